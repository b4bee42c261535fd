package audit

import (
	"context"
	"sync"

	"github.com/polisai/polis-dao/pkg/domain"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Write appends rec.
func (s *MemoryStore) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

// List returns records in emission order.
func (s *MemoryStore) List(_ context.Context, offset, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo, hi := domain.Page(len(s.records), offset, limit)
	out := make([]Record, 0, hi-lo)
	for _, rec := range s.records[lo:hi] {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// ByType returns every stored record of type t.
func (s *MemoryStore) ByType(t EventType) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Type == t {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func cloneRecord(rec Record) Record {
	rec.Before = cloneStringMap(rec.Before)
	rec.After = cloneStringMap(rec.After)
	return rec
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
