// Package fake provides an in-memory definitions.Store double for tests.
package fake

import (
	"context"
	"fmt"

	"github.com/convactor/turnflow/definitions"
)

// Store serves a fixed set of personas keyed by id.
type Store struct {
	Personas map[string]definitions.Persona
}

// New constructs a Store preloaded with the given personas.
func New(personas ...definitions.Persona) *Store {
	m := make(map[string]definitions.Persona, len(personas))
	for _, p := range personas {
		m[p.ID] = p
	}
	return &Store{Personas: m}
}

// GetPersona returns the persona registered under personaID.
func (s *Store) GetPersona(_ context.Context, personaID string) (definitions.Persona, error) {
	p, ok := s.Personas[personaID]
	if !ok {
		return definitions.Persona{}, fmt.Errorf("definitions: persona %q not found", personaID)
	}
	return p, nil
}
