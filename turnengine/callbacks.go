package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/convactor/turnflow/loopdriver"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/toolerrors"
)

// resultOutcome is the engine-internal, provider-neutral shape of one
// callback's result, whatever entry point produced it.
type resultOutcome struct {
	success   bool
	result    json.RawMessage
	errCode   toolerrors.Code
	errMsg    string
	retriable bool
}

// HandleTaskResult reports a successful task execution.
func (e *Engine) HandleTaskResult(ctx context.Context, turnID, toolCallID string, result json.RawMessage) error {
	return e.handleCallback(ctx, turnID, toolCallID, resultOutcome{success: true, result: result})
}

// HandleTaskError reports a failed task execution.
func (e *Engine) HandleTaskError(ctx context.Context, turnID, toolCallID, message string, retriable bool) error {
	return e.handleCallback(ctx, turnID, toolCallID, resultOutcome{
		success: false, errCode: toolerrors.CodeExecutionFailed, errMsg: message, retriable: retriable,
	})
}

// HandleWorkflowResult reports a successful workflow run.
func (e *Engine) HandleWorkflowResult(ctx context.Context, turnID, toolCallID string, result json.RawMessage) error {
	return e.handleCallback(ctx, turnID, toolCallID, resultOutcome{success: true, result: result})
}

// HandleWorkflowError reports a failed workflow run.
func (e *Engine) HandleWorkflowError(ctx context.Context, turnID, toolCallID, message string, retriable bool) error {
	return e.handleCallback(ctx, turnID, toolCallID, resultOutcome{
		success: false, errCode: toolerrors.CodeExecutionFailed, errMsg: message, retriable: retriable,
	})
}

// HandleAgentResponse reports a peer turn's completion, carrying its final
// reasoning as the tool result.
func (e *Engine) HandleAgentResponse(ctx context.Context, turnID, toolCallID, finalReasoning string) error {
	result, err := json.Marshal(map[string]string{"reasoning": finalReasoning})
	if err != nil {
		return fmt.Errorf("turnengine: encode agent response: %w", err)
	}
	return e.handleCallback(ctx, turnID, toolCallID, resultOutcome{success: true, result: result})
}

// HandleAgentError reports a peer turn that declined or failed outright.
func (e *Engine) HandleAgentError(ctx context.Context, turnID, toolCallID, message string) error {
	return e.handleCallback(ctx, turnID, toolCallID, resultOutcome{
		success: false, errCode: toolerrors.CodeAgentDeclined, errMsg: message, retriable: false,
	})
}

// handleCallback implements the common shape of every callback entry
// point: ignore if the turn is gone, snapshot hasWaiting before
// the completion decision can flip it, rebuild the continuation request
// from the pre-completion state when this was the op the turn was blocked
// on, persist the result, optionally re-enter the LLM loop, then check
// turn completion.
func (e *Engine) handleCallback(ctx context.Context, turnID, toolCallID string, oc resultOutcome) error {
	turn, found, err := e.stores.Turns.Get(ctx, turnID)
	if err != nil {
		return fmt.Errorf("turnengine: load turn %q: %w", turnID, err)
	}
	if !found {
		e.emitter.Emit(ctx, "turnengine.callback.turn_not_found", map[string]any{"turnId": turnID, "toolCallId": toolCallID})
		return nil
	}

	wasWaiting, err := e.stores.AsyncOps.HasWaiting(ctx, turnID)
	if err != nil {
		return fmt.Errorf("turnengine: check waiting state: %w", err)
	}

	var rawRequest json.RawMessage
	if wasWaiting {
		rawRequest, err = e.buildContinuationRequest(ctx, turn, toolCallID, oc)
		if err != nil {
			return fmt.Errorf("turnengine: build continuation request: %w", err)
		}
	}

	dec := planner.AsyncOpCompletedDecision{TurnID: turnID, OpID: toolCallID, ToolCallID: toolCallID, Success: oc.success}
	if oc.success {
		dec.Result = oc.result
	} else {
		dec.Error = &store.ToolResultError{Code: oc.errCode, Message: oc.errMsg, Retriable: oc.retriable}
	}
	e.dispatcher.ApplyDecisions(ctx, []planner.Decision{dec})

	if !wasWaiting {
		if err := e.maybeCompleteTurn(ctx, turnID, loopdriver.Result{}); err != nil {
			return err
		}
		return e.rearm(ctx)
	}

	persona, err := e.ensurePersona(ctx)
	if err != nil {
		return err
	}
	tools, lookup, err := planner.ResolveTools(persona.Tools)
	if err != nil {
		return fmt.Errorf("turnengine: resolve tools: %w", err)
	}

	res, err := e.loop.RunLLMLoop(ctx, loopdriver.RunParams{
		TurnID: turnID, ConversationID: e.conversationID,
		RawRequest: rawRequest, Tools: tools, ToolLookup: lookup, Credentials: persona.Credentials,
	})
	if err != nil {
		e.emitter.Emit(ctx, "turnengine.run_llm_loop.error", map[string]any{"turnId": turnID, "error": err.Error()})
		return err
	}
	if err := e.maybeCompleteTurn(ctx, turnID, res); err != nil {
		return err
	}
	return e.rearm(ctx)
}

// HandleMemoryExtractionResult acknowledges a finished memory-extraction run.
// The turn already completed before the run was dispatched, so there is
// nothing left to drive; the event is recorded for observability only.
func (e *Engine) HandleMemoryExtractionResult(ctx context.Context, turnID, runID string) error {
	e.emitter.Emit(ctx, "turnengine.memory_extraction.completed", map[string]any{"turnId": turnID, "runId": runID})
	return nil
}

// HandleMemoryExtractionError records a failed memory-extraction run on the
// turn's issue counters.
func (e *Engine) HandleMemoryExtractionError(ctx context.Context, turnID, runID, message string) error {
	if err := e.stores.Turns.MarkMemoryExtractionFailed(ctx, turnID); err != nil {
		return fmt.Errorf("turnengine: mark memory extraction failed: %w", err)
	}
	e.emitter.Emit(ctx, "turnengine.memory_extraction.failed", map[string]any{"turnId": turnID, "runId": runID, "error": message})
	return nil
}

// Alarm sweeps every timed-out AsyncOp, synthesizes a retriable TIMEOUT
// failure for each, drives it through the normal callback path, then
// rearms the alarm to the next earliest deadline.
func (e *Engine) Alarm(ctx context.Context, now time.Time) error {
	timedOut, err := e.stores.AsyncOps.GetTimedOut(ctx, now)
	if err != nil {
		return fmt.Errorf("turnengine: list timed-out ops: %w", err)
	}
	if len(timedOut) > 0 {
		e.metrics.IncCounter("asyncop_timeouts", float64(len(timedOut)))
	}
	for _, op := range timedOut {
		if err := e.handleCallback(ctx, op.TurnID, op.ID, resultOutcome{
			success: false, errCode: toolerrors.CodeTimeout, errMsg: "operation timed out", retriable: toolerrors.CodeTimeout.Retriable(),
		}); err != nil {
			e.emitter.Emit(ctx, "turnengine.alarm.error", map[string]any{"opId": op.ID, "error": err.Error()})
		}
	}
	return e.rearm(ctx)
}

// rearm reconciles the armed alarm with the AsyncOp table: the deadline is
// exactly min(timeoutAt) over non-terminal ops, or unset when none remain.
// Unlike the dispatcher's earliest-only arming, this may move the alarm later
// since the table's minimum is authoritative after an op completes.
func (e *Engine) rearm(ctx context.Context) error {
	if e.alarmSched == nil {
		return nil
	}
	next, ok, err := e.stores.AsyncOps.GetEarliestTimeout(ctx)
	if err != nil {
		return fmt.Errorf("turnengine: read earliest timeout: %w", err)
	}
	if !ok {
		return e.alarmSched.ClearAlarm(ctx, e.conversationID)
	}
	return e.alarmSched.SetAlarm(ctx, e.conversationID, next.UnixNano())
}
