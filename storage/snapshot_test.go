package storage

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itiky/deltasync/model"
)

func Test_FilePersister_SaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, err := NewFilePersister(fs, "/data/doc.json")
	require.NoError(t, err)

	// Nothing saved yet
	snap, err := p.Load()
	require.NoError(t, err)
	require.Nil(t, snap)

	saved := Snapshot{
		Revision: "5",
		Store:    "uid",
		Data:     model.Map{"a": model.Map{"b": model.Array{model.Number(1), model.String("x")}}},
	}
	require.NoError(t, p.Save(saved))

	snap, err = p.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, saved.Revision, snap.Revision)
	require.Equal(t, saved.Store, snap.Store)
	require.True(t, model.Equal(saved.Data, snap.Data))

	// No temp files left behind
	files, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func Test_FilePersister_BareDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/doc.json", []byte(`{"revision": "1", "x": 1}`), 0644))

	p, err := NewFilePersister(fs, "/doc.json")
	require.NoError(t, err)

	snap, err := p.Load()
	require.NoError(t, err)
	require.Empty(t, snap.Store)
	require.True(t, model.Equal(model.Map{"revision": model.String("1"), "x": model.Number(1)}, snap.Data))

	require.NoError(t, afero.WriteFile(fs, "/doc.json", []byte(`[1, 2]`), 0644))
	_, err = p.Load()
	require.Error(t, err)
}

func Test_LoadStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, err := NewFilePersister(fs, "/doc.json")
	require.NoError(t, err)
	require.NoError(t, p.Save(Snapshot{Revision: "3", Store: "uid", Data: model.Map{"a": model.Number(1)}}))

	s := newTestStore(t)
	require.NoError(t, LoadStore(s, p, zaptest.NewLogger(t)))
	require.Equal(t, "uid", s.UID())
	require.Equal(t, model.Revision("3"), s.Revision())

	// Flushed on commit
	s.Add(model.Map{"b": model.Number(2)})
	require.True(t, s.Commit())

	snap, err := p.Load()
	require.NoError(t, err)
	require.Equal(t, model.Revision("4"), snap.Revision)
	require.True(t, model.Equal(model.Map{"a": model.Number(1), "b": model.Number(2)}, snap.Data))
}

func Test_SeedStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/seed.json", []byte(`{"a": {"b": 1}}`), 0644))

	s := newTestStore(t)
	s.Add(model.Map{"x": model.Number(1)})
	require.True(t, s.Commit())
	uid := s.UID()

	require.NoError(t, SeedStore(s, fs, "/seed.json"))
	require.NotEqual(t, uid, s.UID())
	require.Equal(t, model.Revision("0"), s.Revision())
	require.True(t, model.Equal(model.Map{"a": model.Map{"b": model.Number(1)}}, s.Data()), "got %s", s.Data())

	require.Error(t, SeedStore(s, fs, "/missing.json"))
}

func Test_BoltPersister_SaveLoad(t *testing.T) {
	p, err := NewBoltPersister(filepath.Join(t.TempDir(), "doc.db"))
	require.NoError(t, err)
	defer p.Close()

	snap, err := p.Load()
	require.NoError(t, err)
	require.Nil(t, snap)

	saved := Snapshot{
		Revision: "12",
		Store:    "uid",
		Data: model.Map{
			"a": model.Map{"b": model.Array{model.Number(1), model.String("x"), model.Bool(true)}},
			"n": model.Number(1.5),
			"e": model.Map{},
		},
	}
	require.NoError(t, p.Save(saved))

	snap, err = p.Load()
	require.NoError(t, err)
	require.Equal(t, saved.Revision, snap.Revision)
	require.Equal(t, saved.Store, snap.Store)
	require.True(t, model.Equal(saved.Data, snap.Data), "got %s", snap.Data)
}

func Test_GenerateDocument(t *testing.T) {
	doc := GenerateDocument(rand.New(rand.NewSource(1)), 5, 2)
	require.Len(t, doc, 5)

	fs := afero.NewMemMapFs()
	require.NoError(t, GenAndSaveDocument(fs, "/gen.json", 3, 1, zaptest.NewLogger(t)))
	p, err := NewFilePersister(fs, "/gen.json")
	require.NoError(t, err)
	snap, err := p.Load()
	require.NoError(t, err)
	require.Len(t, snap.Data, 3)

	require.Error(t, GenAndSaveDocument(fs, "/gen.json", 0, 1, zaptest.NewLogger(t)))
}
