package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// MemoryDefinitionStore is an in-memory pipeline.DefinitionStore for tests
// and local development.
type MemoryDefinitionStore struct {
	mu        sync.RWMutex
	defs      map[string]*pipeline.Definition
	summaries map[string]*pipeline.LoadSummary
}

var _ pipeline.DefinitionStore = (*MemoryDefinitionStore)(nil)

// NewMemoryDefinitionStore creates an empty store.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{
		defs:      make(map[string]*pipeline.Definition),
		summaries: make(map[string]*pipeline.LoadSummary),
	}
}

func (s *MemoryDefinitionStore) Get(ctx context.Context, id string) (*pipeline.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	copied := *def
	return &copied, nil
}

func (s *MemoryDefinitionStore) LoadAll(ctx context.Context) ([]*pipeline.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pipeline.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		copied := *def
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryDefinitionStore) Upsert(ctx context.Context, def *pipeline.Definition, editorUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
		def.TimeCreated = time.Now().UTC()
	}
	if existing, ok := s.defs[def.ID]; ok {
		if editorUserID != "" && !existing.Editable(editorUserID) {
			return ErrNotEditable
		}
		def.TimeCreated = existing.TimeCreated
	}
	def.TimeUpdated = time.Now().UTC()
	copied := *def
	s.defs[def.ID] = &copied
	return nil
}

func (s *MemoryDefinitionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
	delete(s.summaries, id)
	return nil
}

func (s *MemoryDefinitionStore) SaveLoadSummary(ctx context.Context, id string, summary *pipeline.LoadSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if summary == nil {
		delete(s.summaries, id)
		return nil
	}
	copied := *summary
	s.summaries[id] = &copied
	return nil
}

func (s *MemoryDefinitionStore) LastLoadSummary(ctx context.Context, id string) (*pipeline.LoadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[id]
	if !ok {
		return nil, nil
	}
	copied := *summary
	return &copied, nil
}
