// Package store provides persistence collaborators for service
// records: an in-memory implementation for tests and dry runs, and a
// Postgres-backed one (postgres.go) for real deployments, both
// satisfying fleet.RecordStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fleetboot/fleetboot/internal/fleet"
)

// MemoryStore is a process-local fleet.RecordStore backed by a map,
// guarded by a mutex so it is safe for concurrent callers.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*fleet.Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*fleet.Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec *fleet.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Name] = &cp
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, name string) (*fleet.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return nil, fleet.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*fleet.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fleet.Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
