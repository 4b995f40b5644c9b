// Package actor implements the per-conversation actor lifecycle: a
// single-owner actor with private mutable state and an inbox serialized to
// one execution at a time, realized as one goroutine per conversation plus
// a lifecycle registry keyed by conversationId. Host is that registry;
// turnengine.Engine holds the actual state machine.
package actor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/turnengine"
)

// EngineFactory lazily constructs the Engine for one conversation on first
// touch. Factories must scope every store/dispatcher collaborator to
// conversationID (stores are strictly owned by one actor).
type EngineFactory func(conversationID string) *turnengine.Engine

// Host is the live registry of conversation actors. Actors are created
// lazily and persist for the process lifetime of the Host; no eviction is
// implemented.
type Host struct {
	mu      sync.Mutex
	factory EngineFactory
	actors  map[string]*actorHandle
}

// NewHost constructs an empty Host backed by factory.
func NewHost(factory EngineFactory) *Host {
	return &Host{factory: factory, actors: make(map[string]*actorHandle)}
}

// actorHandle pairs one Engine with the single goroutine that is the only
// thing ever allowed to call its methods, and the channel that serializes
// admission into that goroutine.
type actorHandle struct {
	engine *turnengine.Engine
	inbox  chan func(context.Context)
}

func (h *Host) get(conversationID string) *actorHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.actors[conversationID]
	if ok {
		return a
	}
	a = &actorHandle{engine: h.factory(conversationID), inbox: make(chan func(context.Context), 64)}
	h.actors[conversationID] = a
	go a.run()
	return a
}

func (a *actorHandle) run() {
	for fn := range a.inbox {
		fn(context.Background())
	}
}

// do enqueues fn on the conversation's single inbox and blocks until it
// completes. Because every public Host method routes through do, at most
// one Engine callback ever executes at a time for a given conversationId
// (the central "exactly one callback executes at a time" invariant),
// regardless of how many goroutines call into the Host concurrently.
func (a *actorHandle) do(ctx context.Context, fn func(context.Context, *turnengine.Engine) error) error {
	done := make(chan error, 1)
	a.inbox <- func(runCtx context.Context) {
		done <- fn(runCtx, a.engine)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartTurn starts a fresh turn on the named conversation's actor, creating
// the actor lazily on first touch.
func (h *Host) StartTurn(ctx context.Context, conversationID, userMessage string, caller store.Caller) (string, error) {
	var turnID string
	err := h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		id, err := e.StartTurn(ctx, userMessage, caller)
		turnID = id
		return err
	})
	return turnID, err
}

// StartAgentCall starts a turn with callback metadata embedded, for
// delegate/workflow-node-driven turns.
func (h *Host) StartAgentCall(ctx context.Context, conversationID string, params turnengine.StartAgentCallParams) (string, error) {
	var turnID string
	err := h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		id, err := e.StartAgentCall(ctx, params)
		turnID = id
		return err
	})
	return turnID, err
}

// HandleContextAssemblyResult routes a finished context-assembly run back
// to its conversation's actor.
func (h *Host) HandleContextAssemblyResult(ctx context.Context, conversationID, turnID, runID string, llmRequest json.RawMessage) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleContextAssemblyResult(ctx, turnID, runID, llmRequest)
	})
}

// HandleTaskResult routes a task executor's success callback.
func (h *Host) HandleTaskResult(ctx context.Context, conversationID, turnID, toolCallID string, result json.RawMessage) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleTaskResult(ctx, turnID, toolCallID, result)
	})
}

// HandleTaskError routes a task executor's failure callback.
func (h *Host) HandleTaskError(ctx context.Context, conversationID, turnID, toolCallID, message string, retriable bool) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleTaskError(ctx, turnID, toolCallID, message, retriable)
	})
}

// HandleWorkflowResult routes a coordinator's workflow-run success callback.
func (h *Host) HandleWorkflowResult(ctx context.Context, conversationID, turnID, toolCallID string, result json.RawMessage) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleWorkflowResult(ctx, turnID, toolCallID, result)
	})
}

// HandleWorkflowError routes a coordinator's workflow-run failure callback.
func (h *Host) HandleWorkflowError(ctx context.Context, conversationID, turnID, toolCallID, message string, retriable bool) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleWorkflowError(ctx, turnID, toolCallID, message, retriable)
	})
}

// HandleAgentResponse implements turnengine.ActorRouter: it delivers a
// delegated peer turn's completion back to the parent conversation's actor.
func (h *Host) HandleAgentResponse(ctx context.Context, conversationID string, params turnengine.AgentResponseParams) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleAgentResponse(ctx, params.TurnID, params.ToolCallID, params.FinalReasoning)
	})
}

// HandleAgentError routes a peer turn's decline/failure callback.
func (h *Host) HandleAgentError(ctx context.Context, conversationID, turnID, toolCallID, message string) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleAgentError(ctx, turnID, toolCallID, message)
	})
}

// HandleMemoryExtractionResult routes a finished memory-extraction run's
// acknowledgement to its conversation's actor.
func (h *Host) HandleMemoryExtractionResult(ctx context.Context, conversationID, turnID, runID string) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleMemoryExtractionResult(ctx, turnID, runID)
	})
}

// HandleMemoryExtractionError routes a failed memory-extraction run to its
// conversation's actor so the turn's issue counters record it.
func (h *Host) HandleMemoryExtractionError(ctx context.Context, conversationID, turnID, runID, message string) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.HandleMemoryExtractionError(ctx, turnID, runID, message)
	})
}

// Alarm fires the timeout sweep for one conversation's actor.
func (h *Host) Alarm(ctx context.Context, conversationID string, now time.Time) error {
	return h.get(conversationID).do(ctx, func(ctx context.Context, e *turnengine.Engine) error {
		return e.Alarm(ctx, now)
	})
}

