package workflow

import (
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateDefinition(def Definition) Definition
	ListDefinitions() []Definition
	GetDefinition(id string) (Definition, error)
	SaveVersion(def Definition) DefinitionVersion
	ListVersions(definitionID string) []DefinitionVersion
	GetVersion(definitionID string, version int) (Definition, error)
}

type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	versions    map[string][]DefinitionVersion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[string]Definition{},
		versions:    map[string][]DefinitionVersion{},
	}
}

func (s *MemoryStore) CreateDefinition(def Definition) Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def
	return def
}

func (s *MemoryStore) ListDefinitions() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) GetDefinition(id string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return Definition{}, ErrNotFound
	}
	return def, nil
}

func (s *MemoryStore) SaveVersion(def Definition) DefinitionVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := DefinitionVersion{
		ID:           NewID("wfver"),
		DefinitionID: def.ID,
		Version:      len(s.versions[def.ID]) + 1,
		Payload:      def,
		CreatedAt:    def.CreatedAt,
	}
	s.versions[def.ID] = append(s.versions[def.ID], v)
	return v
}

func (s *MemoryStore) ListVersions(definitionID string) []DefinitionVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]DefinitionVersion(nil), s.versions[definitionID]...)
}

func (s *MemoryStore) GetVersion(definitionID string, version int) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[definitionID] {
		if v.Version == version {
			return v.Payload, nil
		}
	}
	return Definition{}, ErrNotFound
}
