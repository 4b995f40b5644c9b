// Package coordinator defines the workflow-coordinator boundary consumed by
// the dispatcher: creating and starting an out-of-scope
// workflow run. Concrete adapters wrap Nexus (coordinator/nexus) and
// Temporal (coordinator/temporal); coordinator/fake serves tests.
package coordinator

import (
	"context"
	"encoding/json"
)

// Callback is embedded in a workflow run's input so the coordinator's
// eventual callback can be routed to the right conversation actor.
type Callback struct {
	ConversationID string
	TurnID         string
	ToolCallID     string
	RunID          string
	NodeID         string
	Type           string // "workflow" | "context_assembly" | "memory_extraction"
}

// CreateRunParams bundles the fields needed to register a new workflow run.
type CreateRunParams struct {
	WorkflowID string
	Input      []byte
	Callback   Callback
}

// Coordinator registers and starts out-of-scope workflow runs. The run
// eventually calls back one of the turn engine's handleWorkflowResult,
// handleContextAssemblyResult, or handleMemoryExtractionResult/Error
// entry points, identified by the ids embedded in Callback.
type Coordinator interface {
	// CreateRun registers a new workflow run and returns its id.
	CreateRun(ctx context.Context, params CreateRunParams) (workflowRunID string, err error)
	// Start begins execution of a previously created run.
	Start(ctx context.Context, workflowRunID string) error
	// CompleteCallback resolves an in-flight coordinator-owned step (a
	// workflow node waiting on a delegated agent turn) with that turn's
	// final result, addressed by the Callback captured at dispatch time
	// (the _workflowCallback envelope names the run and node to resolve).
	CompleteCallback(ctx context.Context, cb Callback, result json.RawMessage) error
}
