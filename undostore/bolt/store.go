// Package bolt provides a bbolt-backed UndoStore, so undo windows survive
// process restarts.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/c0deZ3R0/go-entity-kit/entitykit"
	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

const (
	opOpen   = kiterr.Op("boltundo.Open")
	opSave   = kiterr.Op("boltundo.Save")
	opGet    = kiterr.Op("boltundo.Get")
	opDelete = kiterr.Op("boltundo.Delete")
	opPrune  = kiterr.Op("boltundo.Prune")

	component = kiterr.Component("boltundo")
)

var bucketName = []byte("undo_records")

// Store implements entitykit.UndoStore over a bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file and the records bucket.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, kiterr.E(opOpen, component, kiterr.KindInternal, fmt.Sprintf("open %s", path), err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, kiterr.E(opOpen, component, kiterr.KindInternal, "create bucket", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(ctx context.Context, rec entitykit.UndoRecord) error {
	if rec.ID == "" {
		return kiterr.E(opSave, component, kiterr.KindValidation, "record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return kiterr.E(opSave, component, kiterr.KindInternal, "encode record", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return kiterr.E(opSave, component, kiterr.KindInternal, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (entitykit.UndoRecord, error) {
	var rec entitykit.UndoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(id))
		if data == nil {
			return kiterr.E(opGet, component, kiterr.KindNotFound, "undo record not found")
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		if kiterr.IsKind(err, kiterr.KindNotFound) {
			return entitykit.UndoRecord{}, err
		}
		return entitykit.UndoRecord{}, kiterr.E(opGet, component, kiterr.KindInternal, err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
	if err != nil {
		return kiterr.E(opDelete, component, kiterr.KindInternal, err)
	}
	return nil
}

func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec entitykit.UndoRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Unreadable records are dropped with the expired ones.
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if rec.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(expired)
		return nil
	})
	if err != nil {
		return 0, kiterr.E(opPrune, component, kiterr.KindInternal, err)
	}
	return pruned, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}
