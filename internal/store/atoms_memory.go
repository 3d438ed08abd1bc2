package store

import (
	"context"
	"sync"

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// MemoryAtomStore is an in-memory pipeline.AtomStore for tests.
type MemoryAtomStore struct {
	mu    sync.RWMutex
	atoms map[string][]pipeline.Atom
}

var _ pipeline.AtomStore = (*MemoryAtomStore)(nil)

// NewMemoryAtomStore creates an empty store.
func NewMemoryAtomStore() *MemoryAtomStore {
	return &MemoryAtomStore{atoms: make(map[string][]pipeline.Atom)}
}

func (s *MemoryAtomStore) Save(ctx context.Context, pipelineID string, atoms []pipeline.Atom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]pipeline.Atom, len(atoms))
	copy(copied, atoms)
	s.atoms[pipelineID] = copied
	return nil
}

func (s *MemoryAtomStore) Load(ctx context.Context, pipelineID string) ([]pipeline.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.atoms[pipelineID]
	copied := make([]pipeline.Atom, len(stored))
	copy(copied, stored)
	return copied, nil
}

func (s *MemoryAtomStore) Clear(ctx context.Context, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.atoms, pipelineID)
	return nil
}
