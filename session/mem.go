package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh session id.
func NewID() string {
	return uuid.New().String()
}

// MemStore is an in-memory Store. Safe for concurrent use.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{recs: map[string]*Record{}}
}

func copyRecord(rec *Record) *Record {
	out := *rec
	if rec.ProviderMeta != nil {
		out.ProviderMeta = append([]byte(nil), rec.ProviderMeta...)
	}
	return &out
}

// Create implements Store.
func (s *MemStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = copyRecord(rec)
	return nil
}

// Get implements Store.
func (s *MemStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Update implements Store.
func (s *MemStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; !ok {
		return ErrNotFound
	}
	s.recs[rec.ID] = copyRecord(rec)
	return nil
}

// Delete implements Store.
func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

// ListActive implements Store.
func (s *MemStore) ListActive(ctx context.Context, backend string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*Record
	for _, rec := range s.recs {
		if backend != "" && rec.Backend != backend {
			continue
		}
		if rec.Status == StatusCompleted || rec.Status == StatusAborted || rec.Expired(now) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	return out, nil
}
