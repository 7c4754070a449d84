package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/infergate/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with a mutex-guarded map. Readers share the
// lock, so lookups never wait on each other, and writers hold it only for the
// map update.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*model.Result
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]*model.Result),
	}
}

// CreateResult stores r as a new entry.
func (s *MemoryStore) CreateResult(_ context.Context, r *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[r.ID]; ok {
		return fmt.Errorf("create result %s: %w", r.ID, ErrAlreadyExists)
	}
	s.results[r.ID] = cloneResult(r)
	return nil
}

// GetResult returns a copy of the stored result.
func (s *MemoryStore) GetResult(_ context.Context, id string) (*model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneResult(r), nil
}

// FinishResult records the terminal outcome in r for r.ID.
func (s *MemoryStore) FinishResult(_ context.Context, r *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.results[r.ID]
	if !ok {
		return ErrNotFound
	}
	if !model.ValidTransition(cur.Status, r.Status) {
		return fmt.Errorf("%s -> %s: %w", cur.Status, r.Status, ErrInvalidTransition)
	}

	next := cloneResult(r)
	next.CreatedAt = cur.CreatedAt
	s.results[r.ID] = next
	return nil
}

// DeleteResult removes the entry for id.
func (s *MemoryStore) DeleteResult(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[id]; !ok {
		return ErrNotFound
	}
	delete(s.results, id)
	return nil
}

// GetResultStats counts stored results by status.
func (s *MemoryStore) GetResultStats(_ context.Context) (*ResultStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &ResultStats{
		Total:         len(s.results),
		CountByStatus: make(map[string]int),
	}
	for _, r := range s.results {
		stats.CountByStatus[r.Status]++
	}
	return stats, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneResult(r *model.Result) *model.Result {
	c := *r
	c.Predictions = slices.Clone(r.Predictions)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
