package deploy

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// MemoryIndex is an in-memory Index for tests and single-node development
// runs. Safe for concurrent use.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

// Compile-time interface check.
var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

func (s *MemoryIndex) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Slug] = cloneRecord(rec)
	return nil
}

func (s *MemoryIndex) Get(_ context.Context, slug string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[slug]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := cloneRecord(rec)
	return &cp, nil
}

func (s *MemoryIndex) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *MemoryIndex) Delete(_ context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, slug)
	return nil
}

func (s *MemoryIndex) Ping(context.Context) error { return nil }

func (s *MemoryIndex) Close() error { return nil }

// cloneRecord copies the env map so callers cannot mutate stored state.
func cloneRecord(rec Record) Record {
	if rec.Env != nil {
		rec.Env = maps.Clone(rec.Env)
	}
	return rec
}
