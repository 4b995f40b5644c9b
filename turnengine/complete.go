package turnengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convactor/turnflow/coordinator"
	"github.com/convactor/turnflow/loopdriver"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
)

// maybeCompleteTurn applies the finalization rule: a turn
// stays active while the loop driver is waiting on a synchronous tool or
// any async op remains pending; otherwise it plans memory extraction (if
// configured), records tool-failure issues, completes the turn, and fires
// any parent callback embedded in the turn's input.
func (e *Engine) maybeCompleteTurn(ctx context.Context, turnID string, loopResult loopdriver.Result) error {
	if loopResult.WaitingForSync {
		return nil
	}

	pending, err := e.stores.AsyncOps.GetPendingCount(ctx, turnID)
	if err != nil {
		return fmt.Errorf("turnengine: count pending ops: %w", err)
	}
	if pending > 0 {
		return nil
	}

	moves, err := e.stores.Moves.GetForTurn(ctx, turnID)
	if err != nil {
		return fmt.Errorf("turnengine: load moves for turn %q: %w", turnID, err)
	}

	e.planMemoryExtraction(ctx, turnID, moves)

	toolFailures := 0
	for _, mv := range moves {
		if mv.ToolResult != nil && !mv.ToolResult.Success {
			toolFailures++
		}
	}
	var issues *store.TurnIssues
	if toolFailures > 0 {
		issues = &store.TurnIssues{ToolFailures: toolFailures}
	}

	e.dispatcher.ApplyDecisions(ctx, []planner.Decision{
		planner.CompleteTurnDecision{TurnID: turnID, Issues: issues},
	})
	e.metrics.IncCounter("turns_completed", 1)
	if toolFailures > 0 {
		e.metrics.IncCounter("tool_failures", float64(toolFailures))
	}

	return e.fireParentCallback(ctx, turnID, moves)
}

func (e *Engine) planMemoryExtraction(ctx context.Context, turnID string, moves []store.Move) {
	persona, err := e.ensurePersona(ctx)
	if err != nil || persona.MemoryExtractionWorkflowID == "" {
		return
	}
	transcript, err := json.Marshal(moves)
	if err != nil {
		e.emitter.Emit(ctx, "turnengine.memory_extraction.encode_error", map[string]any{"turnId": turnID, "error": err.Error()})
		return
	}
	plan := planner.DecideMemoryExtraction(planner.DecideMemoryExtractionParams{
		TurnID: turnID, ConversationID: e.conversationID, AgentID: persona.ID,
		Transcript:                 transcript,
		MemoryExtractionWorkflowID: persona.MemoryExtractionWorkflowID,
		ProjectID:                  persona.MemoryExtractionProjectID,
		Version:                    persona.MemoryExtractionVersion,
	})
	for _, ev := range plan.Events {
		e.emitter.Emit(ctx, "planner."+ev.Type, ev.Payload)
	}
	e.dispatcher.ApplyDecisions(ctx, plan.Decisions)
}

// fireParentCallback reads back the turn's callback envelope and notifies
// whichever parent is waiting on this turn's completion. Callback delivery
// errors are traced, never returned: a dropped callback must not undo a turn
// that has already completed. Only a failure to reload the turn is returned.
func (e *Engine) fireParentCallback(ctx context.Context, turnID string, moves []store.Move) error {
	turn, found, err := e.stores.Turns.Get(ctx, turnID)
	if err != nil {
		return fmt.Errorf("turnengine: reload turn %q: %w", turnID, err)
	}
	if !found {
		return nil
	}

	var env turnInputEnvelope
	if err := json.Unmarshal(turn.Input, &env); err != nil {
		return nil
	}

	finalReasoning := ""
	if len(moves) > 0 {
		finalReasoning = moves[len(moves)-1].Reasoning
	}

	if env.AgentCallback != nil && e.router != nil {
		cb := *env.AgentCallback
		if err := e.router.HandleAgentResponse(ctx, cb.ConversationID, AgentResponseParams{
			TurnID: cb.TurnID, ToolCallID: cb.ToolCallID, FinalReasoning: finalReasoning,
		}); err != nil {
			e.emitter.Emit(ctx, "turnengine.agent_callback.error", map[string]any{"turnId": turnID, "error": err.Error()})
		}
	}

	if env.WorkflowCallback != nil && e.coordinator != nil {
		wc := *env.WorkflowCallback
		payload, mErr := json.Marshal(map[string]string{"response": finalReasoning})
		if mErr != nil {
			e.emitter.Emit(ctx, "turnengine.workflow_callback.encode_error", map[string]any{"turnId": turnID, "error": mErr.Error()})
			return nil
		}
		if err := e.coordinator.CompleteCallback(ctx, coordinator.Callback{NodeID: wc.NodeID, Type: wc.Type, RunID: wc.RunID}, payload); err != nil {
			e.emitter.Emit(ctx, "turnengine.workflow_callback.error", map[string]any{"turnId": turnID, "error": err.Error()})
		}
	}

	return nil
}
