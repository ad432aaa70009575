package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Service owns definition lifecycle: creation (with validation and a
// version snapshot), lookup, and version rollback.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) CreateDefinition(def Definition) (Definition, error) {
	if def.ID == "" {
		def.ID = NewID("wf")
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if err := Validate(def); err != nil {
		return Definition{}, err
	}
	def = s.store.CreateDefinition(def)
	s.store.SaveVersion(def)
	return def, nil
}

// CreateDefinitionFromJSON is the ingest path for raw documents: the
// payload is checked against the JSON schema before decoding, so
// malformed slugs, bad enums and out-of-range values are reported as
// schema errors instead of being silently zeroed by the decoder.
func (s *Service) CreateDefinitionFromJSON(data []byte) (Definition, error) {
	if err := ValidateRaw(data); err != nil {
		return Definition{}, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	return s.CreateDefinition(def)
}

func (s *Service) ListDefinitions() []Definition {
	return s.store.ListDefinitions()
}

func (s *Service) GetDefinition(id string) (Definition, error) {
	return s.store.GetDefinition(id)
}

func (s *Service) ListVersions(definitionID string) []DefinitionVersion {
	return s.store.ListVersions(definitionID)
}

// RollbackVersion re-activates an older version by saving it as the
// current payload plus a fresh version row.
func (s *Service) RollbackVersion(definitionID string, version int) (Definition, error) {
	def, err := s.store.GetVersion(definitionID, version)
	if err != nil {
		return Definition{}, err
	}
	def = s.store.CreateDefinition(def)
	s.store.SaveVersion(def)
	return def, nil
}
