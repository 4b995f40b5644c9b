// Package definitions defines the persistent tool/persona/conversation
// metadata boundary consumed by the turn engine, an external collaborator
// in the same sense as the LLM client, coordinator, and executor.
// definitions/fake serves tests; a durable adapter would
// read persona/tool-catalog rows the same way store/mongo reads turns.
package definitions

import (
	"context"

	"github.com/convactor/turnflow/llmadapter"
	"github.com/convactor/turnflow/planner"
)

// Persona bundles the per-agent configuration the turn engine needs to
// start and drive turns: its tool catalog, context-assembly and
// memory-extraction workflow ids, and model credentials.
type Persona struct {
	ID                         string
	Tools                      []planner.ToolDef
	ModelProfileID             string
	RecentTurnsLimit           int
	ContextAssemblyWorkflowID  string
	MemoryExtractionWorkflowID string
	MemoryExtractionProjectID  string
	MemoryExtractionVersion    string
	Credentials                llmadapter.Credentials
}

// Store resolves persona definitions by id. Implementations may cache
// aggressively: personas change rarely relative to turn volume.
type Store interface {
	GetPersona(ctx context.Context, personaID string) (Persona, error)
}
