package storage

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/itiky/deltasync/model"
)

var (
	boltBucket      = []byte("deltasync")
	boltSnapshotKey = []byte("snapshot")
)

type (
	// BoltPersister keeps a Snapshot in a bbolt database, msgpack-encoded.
	BoltPersister struct {
		db *bbolt.DB
	}

	boltRecord struct {
		Revision string                 `msgpack:"revision"`
		Store    string                 `msgpack:"store"`
		Data     map[string]interface{} `msgpack:"data"`
	}
)

// Load implements Persister interface.
func (p *BoltPersister) Load() (*Snapshot, error) {
	var snap *Snapshot
	err := p.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(boltSnapshotKey)
		if raw == nil {
			return nil
		}

		var record boltRecord
		if err := msgpack.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("msgpack unmarshal: %w", err)
		}

		data, err := model.FromInterface(record.Data)
		if err != nil {
			return fmt.Errorf("data: %w", err)
		}
		doc, ok := data.(model.Map)
		if !ok {
			doc = model.Map{}
		}

		snap = &Snapshot{
			Revision: model.Revision(record.Revision),
			Store:    record.Store,
			Data:     doc,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// Save implements Persister interface.
func (p *BoltPersister) Save(snap Snapshot) error {
	data, _ := model.ToInterface(snap.Data).(map[string]interface{})
	raw, err := msgpack.Marshal(boltRecord{
		Revision: string(snap.Revision),
		Store:    snap.Store,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("msgpack marshal: %w", err)
	}

	return p.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}

		return bucket.Put(boltSnapshotKey, raw)
	})
}

// Close closes the underlying database.
func (p *BoltPersister) Close() error {
	return p.db.Close()
}

// NewBoltPersister opens (creates if needed) a bbolt database file.
func NewBoltPersister(filePath string) (*BoltPersister, error) {
	if filePath == "" {
		return nil, fmt.Errorf("%s: empty", "filePath")
	}

	db, err := bbolt.Open(filePath, 0644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open (%s): %w", filePath, err)
	}

	return &BoltPersister{db: db}, nil
}
