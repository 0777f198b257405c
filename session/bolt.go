package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var sessionBucket = []byte("sessions")

// BoltStore persists session records in a bbolt database so multipart
// sessions survive process restarts.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open session store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create session bucket")
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put([]byte(rec.ID), data)
	})
}

// Create implements Store.
func (s *BoltStore) Create(ctx context.Context, rec *Record) error {
	return s.put(rec)
}

// Get implements Store.
func (s *BoltStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		rec = new(Record)
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Update implements Store.
func (s *BoltStore) Update(ctx context.Context, rec *Record) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(sessionBucket).Get([]byte(rec.ID)) == nil {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.put(rec)
}

// Delete implements Store.
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(id))
	})
}

// ListActive implements Store.
func (s *BoltStore) ListActive(ctx context.Context, backend string) ([]*Record, error) {
	now := time.Now()
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).ForEach(func(k, v []byte) error {
			rec := new(Record)
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			if backend != "" && rec.Backend != backend {
				return nil
			}
			if rec.Status == StatusCompleted || rec.Status == StatusAborted || rec.Expired(now) {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
