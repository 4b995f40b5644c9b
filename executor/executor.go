// Package executor defines the task-executor boundary consumed by the
// dispatcher: running a task-backed tool is out of scope for
// this module, so only the narrow contract and a fake for tests live here.
package executor

import "context"

// TaskParams bundles the fields the dispatcher supplies for one task
// invocation.
type TaskParams struct {
	ToolCallID     string
	ConversationID string
	TurnID         string
	TaskID         string
	Input          []byte
	BranchContext  []byte
}

// Executor starts a task out-of-process. It must not block on the task's
// completion: the result arrives later as a callback on the originating
// conversation's actor (handleTaskResult/handleTaskError).
type Executor interface {
	ExecuteTaskForAgent(ctx context.Context, params TaskParams) error
}
