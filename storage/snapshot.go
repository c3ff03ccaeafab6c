package storage

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
)

type (
	// Persister loads the document at boot and saves it after each commit.
	Persister interface {
		// Load returns nil (and no error) if nothing was persisted yet.
		Load() (*Snapshot, error)
		Save(snap Snapshot) error
	}

	// FilePersister keeps a Snapshot as a JSON file.
	// Load accepts both a Snapshot envelope and a bare document.
	FilePersister struct {
		fs       afero.Fs
		filePath string
	}
)

// Load implements Persister interface.
func (p *FilePersister) Load() (*Snapshot, error) {
	data, err := afero.ReadFile(p.fs, p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading file (%s): %w", p.filePath, err)
	}

	return decodeSnapshot(data)
}

// Save implements Persister interface.
// The file is replaced atomically: written to a temp file which is renamed afterwards.
func (p *FilePersister) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("JSON marshal: %w", err)
	}

	dir := filepath.Dir(p.filePath)
	if err := p.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating dir (%s): %w", dir, err)
	}

	tmp, err := afero.TempFile(p.fs, dir, filepath.Base(p.filePath)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		p.fs.Remove(tmpPath)
		return fmt.Errorf("write to file (%s): %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		p.fs.Remove(tmpPath)
		return fmt.Errorf("closing file (%s): %w", tmpPath, err)
	}

	if err := p.fs.Rename(tmpPath, p.filePath); err != nil {
		p.fs.Remove(tmpPath)
		return fmt.Errorf("renaming %s -> %s: %w", tmpPath, p.filePath, err)
	}

	return nil
}

// NewFilePersister creates a new FilePersister object.
func NewFilePersister(fs afero.Fs, filePath string) (*FilePersister, error) {
	if fs == nil {
		return nil, fmt.Errorf("%s: nil", "fs")
	}
	if filePath == "" {
		return nil, fmt.Errorf("%s: empty", "filePath")
	}

	return &FilePersister{
		fs:       fs,
		filePath: filePath,
	}, nil
}

// decodeSnapshot parses either an envelope ({revision, store, data}) or a bare document.
func decodeSnapshot(raw []byte) (*Snapshot, error) {
	v, err := model.ParseValue(raw)
	if err != nil {
		return nil, err
	}

	doc, ok := v.(model.Map)
	if !ok {
		return nil, fmt.Errorf("snapshot: map expected, got %s", model.KindOf(v))
	}

	rev, revFound := doc["revision"].(model.String)
	uid, uidFound := doc["store"].(model.String)
	data, dataFound := doc["data"].(model.Map)
	if revFound && uidFound && dataFound && len(doc) == 3 {
		return &Snapshot{
			Revision: model.Revision(rev),
			Store:    string(uid),
			Data:     data,
		}, nil
	}

	return &Snapshot{Data: doc}, nil
}

// LoadStore restores the Store from the Persister (if anything was saved) and subscribes the Persister
// to the Store commits. Save failures are logged: the in-memory state stays authoritative.
func LoadStore(s *Store, p Persister, logger *zap.Logger) error {
	snap, err := p.Load()
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	if snap != nil {
		if err := s.Restore(*snap); err != nil {
			return fmt.Errorf("restoring snapshot: %w", err)
		}
	}

	s.OnCommit(func(snap Snapshot) {
		if err := p.Save(snap); err != nil {
			logger.Error("snapshot save failed",
				zap.String("revision", string(snap.Revision)),
				zap.Error(err),
			)
		}
	})

	return nil
}

// SeedStore resets the Store with the document read from the file. Only the data of a snapshot envelope is
// used: the Store starts a new logical store at revision 0.
func SeedStore(s *Store, fs afero.Fs, filePath string) error {
	p, err := NewFilePersister(fs, filePath)
	if err != nil {
		return err
	}

	snap, err := p.Load()
	if err != nil {
		return fmt.Errorf("loading seed: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("seed file (%s): not found", filePath)
	}
	s.Reset(snap.Data)

	return nil
}

// GenerateDocument builds a random document with up to width keys per level.
func GenerateDocument(rnd *rand.Rand, width, depth int) model.Map {
	doc := make(model.Map, width)
	for i := 0; i < width; i++ {
		key := "k" + strconv.Itoa(i)
		switch {
		case depth > 0 && rnd.Intn(3) == 0:
			doc[key] = GenerateDocument(rnd, width, depth-1)
		case rnd.Intn(4) == 0:
			doc[key] = model.Array{model.Number(rnd.Int31()), model.String(strconv.Itoa(i))}
		case rnd.Intn(3) == 0:
			doc[key] = model.Bool(rnd.Intn(2) == 0)
		case rnd.Intn(2) == 0:
			doc[key] = model.String(strconv.FormatInt(rnd.Int63(), 36))
		default:
			doc[key] = model.Number(rnd.Int31())
		}
	}

	return doc
}

// GenAndSaveDocument generates a random document and saves it as a bare document snapshot.
func GenAndSaveDocument(fs afero.Fs, filePath string, width, depth int, logger *zap.Logger) error {
	if width <= 0 {
		return fmt.Errorf("%s: must be GT 0", "width")
	}
	if depth < 0 {
		return fmt.Errorf("%s: must be GTE 0", "depth")
	}

	logger.Info("generating document", zap.Int("width", width), zap.Int("depth", depth))
	doc := GenerateDocument(rand.New(rand.NewSource(rand.Int63())), width, depth)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("JSON marshal: %w", err)
	}
	if err := afero.WriteFile(fs, filePath, data, 0644); err != nil {
		return fmt.Errorf("write to file (%s): %w", filePath, err)
	}

	logger.Info("document saved", zap.String("path", filePath), zap.Int("bytes", len(data)))

	return nil
}
