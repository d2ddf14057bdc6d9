package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Store implements ports.CheckpointStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.Checkpoint
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Checkpoint),
	}
}

// Save persists a copy of the checkpoint.
func (s *Store) Save(_ context.Context, runID string, cp *domain.Checkpoint) error {
	copied := *cp
	copied.Parameters = cp.Parameters.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[runID] = &copied
	return nil
}

// Load retrieves a copy of the checkpoint so callers cannot mutate the store.
func (s *Store) Load(_ context.Context, runID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.data[runID]
	if !ok {
		return nil, domain.ErrCheckpointNotFound
	}
	ret := *cp
	ret.Parameters = cp.Parameters.Clone()
	return &ret, nil
}

// Delete removes the checkpoint.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}

// List returns the stored run IDs in lexical order.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.data))
	for id := range s.data {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}
