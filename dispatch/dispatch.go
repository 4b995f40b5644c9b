// Package dispatch applies planner decisions one at a time, translating each
// into a store mutation or a fire-and-forget outbound call.
// Besides it, only the turn engine and the loop driver call outward.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convactor/turnflow/alarm"
	"github.com/convactor/turnflow/coordinator"
	"github.com/convactor/turnflow/executor"
	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/peeragent"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
	"github.com/convactor/turnflow/toolerrors"
)

// defaultTaskTimeout is the only policy number the dispatcher owns.
const defaultTaskTimeout = 120 * time.Second

// Stores bundles the five state stores the dispatcher mutates.
type Stores struct {
	Turns        store.TurnStore
	Messages     store.MessageStore
	Moves        store.MoveStore
	AsyncOps     store.AsyncOpStore
	Participants store.ParticipantStore
}

// Dispatcher applies decisions against a fixed set of stores and outbound
// collaborators.
type Dispatcher struct {
	stores      Stores
	executor    executor.Executor
	coordinator coordinator.Coordinator
	peerAgent   peeragent.PeerAgent
	alarmSched  alarm.Scheduler
	emitter     telemetry.Emitter
	tracer      telemetry.Tracer

	// outbound bounds fire-and-forget call concurrency so a burst of
	// DISPATCH_* decisions cannot buffer unboundedly.
	outbound *errgroup.Group
}

// New constructs a Dispatcher. A nil alarm scheduler skips deadline arming;
// a nil emitter/tracer defaults to no-ops.
func New(stores Stores, exec executor.Executor, coord coordinator.Coordinator, peer peeragent.PeerAgent, alarmSched alarm.Scheduler, emitter telemetry.Emitter, tracer telemetry.Tracer) *Dispatcher {
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	g := &errgroup.Group{}
	g.SetLimit(8)
	return &Dispatcher{stores: stores, executor: exec, coordinator: coord, peerAgent: peer, alarmSched: alarmSched, emitter: emitter, tracer: tracer, outbound: g}
}

// Outcome summarizes the result of applying a decision list.
type Outcome struct {
	Applied      int
	TurnsCreated []string
	Errors       []error
}

// ApplyDecisions iterates the decision list sequentially. Each decision's
// error is captured into Outcome.Errors without aborting the iteration
// (fail-soft). An unrecognized Decision implementation is a programming
// error and is reported as INTERNAL_ERROR rather than panicking.
func (d *Dispatcher) ApplyDecisions(ctx context.Context, decisions []planner.Decision) Outcome {
	ctx, span := d.tracer.StartSpan(ctx, "dispatch.apply_decisions")
	defer span.End()
	span.SetAttr("decisions", len(decisions))

	var out Outcome
	for _, dec := range decisions {
		turnID, err := d.applyOne(ctx, dec)
		if err != nil {
			out.Errors = append(out.Errors, err)
			span.SetError(err)
			d.emitter.Emit(ctx, "dispatch.error", map[string]any{"kind": dec.DecisionKind(), "error": err.Error()})
			continue
		}
		out.Applied++
		if turnID != "" {
			out.TurnsCreated = append(out.TurnsCreated, turnID)
		}
	}
	span.SetAttr("applied", out.Applied)
	return out
}

func (d *Dispatcher) applyOne(ctx context.Context, dec planner.Decision) (string, error) {
	switch v := dec.(type) {
	case planner.StartTurnDecision:
		id, err := d.stores.Turns.Create(ctx, v.ConversationID, v.Caller, v.Input)
		return id, err

	case planner.CompleteTurnDecision:
		_, err := d.stores.Turns.Complete(ctx, v.TurnID, v.Issues)
		return "", err

	case planner.FailTurnDecision:
		_, err := d.stores.Turns.Fail(ctx, v.TurnID, v.ErrorCode, v.ErrorMessage)
		return "", err

	case planner.AppendMessageDecision:
		_, err := d.stores.Messages.Append(ctx, store.Message{
			ConversationID: v.ConversationID,
			TurnID:         v.TurnID,
			Role:           v.Role,
			Content:        v.Content,
		})
		return "", err

	case planner.RecordMoveDecision:
		_, _, err := d.stores.Moves.Record(ctx, store.RecordMoveParams{
			TurnID:     v.TurnID,
			Reasoning:  v.Reasoning,
			ToolCall:   v.ToolCall,
			RawContent: v.RawContent,
		})
		return "", err

	case planner.AsyncOpCompletedDecision:
		return "", d.applyAsyncOpCompleted(ctx, v)

	case planner.MarkWaitingDecision:
		return "", d.stores.AsyncOps.MarkWaiting(ctx, v.TurnID, v.OpID)

	case planner.ResumeFromToolDecision:
		_, err := d.stores.AsyncOps.Resume(ctx, v.OpID, v.Result)
		return "", err

	case planner.DispatchTaskDecision:
		return "", d.applyDispatchTask(ctx, v)

	case planner.DispatchWorkflowDecision:
		return "", d.applyDispatchWorkflow(ctx, v)

	case planner.DispatchAgentDecision:
		return "", d.applyDispatchAgent(ctx, v)

	case planner.DispatchContextAssemblyDecision:
		d.emitter.Emit(ctx, "dispatch.context_assembly", map[string]any{"turnId": v.TurnID})
		return "", nil

	case planner.DispatchMemoryExtractionDecision:
		return "", d.applyDispatchMemoryExtraction(ctx, v)

	default:
		return "", toolerrors.Wrap(toolerrors.CodeInternal, fmt.Sprintf("dispatch: unknown decision kind %T", dec), errUnhandledDecision)
	}
}

var errUnhandledDecision = fmt.Errorf("unhandled decision variant")

func (d *Dispatcher) applyAsyncOpCompleted(ctx context.Context, v planner.AsyncOpCompletedDecision) error {
	var result store.MoveToolResult
	if v.Success {
		result = store.MoveToolResult{Success: true, Result: v.Result}
	} else {
		result = store.MoveToolResult{Success: false, Error: v.Error}
	}
	if _, err := d.stores.Moves.RecordResult(ctx, v.TurnID, v.ToolCallID, result); err != nil {
		return err
	}
	if v.Success {
		_, err := d.stores.AsyncOps.Complete(ctx, v.OpID, v.Result)
		return err
	}
	errVal := store.ToolResultError{Code: toolerrors.CodeInternal}
	if v.Error != nil {
		errVal = *v.Error
	}
	_, err := d.stores.AsyncOps.Fail(ctx, v.OpID, errVal)
	return err
}

func (d *Dispatcher) applyDispatchTask(ctx context.Context, v planner.DispatchTaskDecision) error {
	if _, _, err := d.stores.Moves.Record(ctx, store.RecordMoveParams{
		TurnID:     v.TurnID,
		Reasoning:  v.Reasoning,
		ToolCall:   &store.MoveToolCall{ID: v.ToolCallID, ToolID: v.TargetID, Input: v.Input},
		RawContent: v.RawContent,
	}); err != nil {
		return err
	}
	deadline := time.Now().UTC().Add(timeoutFor(v.TimeoutSeconds))
	if err := d.stores.AsyncOps.Track(ctx, store.TrackAsyncOpParams{
		OpID: v.ToolCallID, TurnID: v.TurnID, TargetType: store.TargetTask, TargetID: v.TargetID,
		TimeoutAt: deadline, Retry: v.Retry,
	}); err != nil {
		return err
	}
	if !v.Async {
		if err := d.stores.AsyncOps.MarkWaiting(ctx, v.TurnID, v.ToolCallID); err != nil {
			return err
		}
	}
	d.scheduleAlarm(ctx, v.ConversationID, deadline)
	d.fireAndForget(ctx, "dispatch.task", func(ctx context.Context) error {
		return d.executor.ExecuteTaskForAgent(ctx, executor.TaskParams{
			ToolCallID: v.ToolCallID, ConversationID: v.ConversationID, TurnID: v.TurnID,
			TaskID: v.TargetID, Input: v.Input,
		})
	})
	return nil
}

func (d *Dispatcher) applyDispatchWorkflow(ctx context.Context, v planner.DispatchWorkflowDecision) error {
	if _, _, err := d.stores.Moves.Record(ctx, store.RecordMoveParams{
		TurnID:     v.TurnID,
		Reasoning:  v.Reasoning,
		ToolCall:   &store.MoveToolCall{ID: v.ToolCallID, ToolID: v.TargetID, Input: v.Input},
		RawContent: v.RawContent,
	}); err != nil {
		return err
	}
	deadline := time.Now().UTC().Add(timeoutFor(v.TimeoutSeconds))
	if err := d.stores.AsyncOps.Track(ctx, store.TrackAsyncOpParams{
		OpID: v.ToolCallID, TurnID: v.TurnID, TargetType: store.TargetWorkflow, TargetID: v.TargetID,
		TimeoutAt: deadline, Retry: v.Retry,
	}); err != nil {
		return err
	}
	if !v.Async {
		if err := d.stores.AsyncOps.MarkWaiting(ctx, v.TurnID, v.ToolCallID); err != nil {
			return err
		}
	}
	d.scheduleAlarm(ctx, v.ConversationID, deadline)
	d.fireAndForget(ctx, "dispatch.workflow", func(ctx context.Context) error {
		runID, err := d.coordinator.CreateRun(ctx, coordinator.CreateRunParams{
			WorkflowID: v.TargetID,
			Input:      v.Input,
			Callback: coordinator.Callback{
				ConversationID: v.ConversationID, TurnID: v.TurnID, ToolCallID: v.ToolCallID, Type: "workflow",
			},
		})
		if err != nil {
			return err
		}
		return d.coordinator.Start(ctx, runID)
	})
	return nil
}

func (d *Dispatcher) applyDispatchAgent(ctx context.Context, v planner.DispatchAgentDecision) error {
	if _, _, err := d.stores.Moves.Record(ctx, store.RecordMoveParams{
		TurnID:     v.TurnID,
		Reasoning:  v.Reasoning,
		ToolCall:   &store.MoveToolCall{ID: v.ToolCallID, ToolID: v.TargetAgentID, Input: v.Input},
		RawContent: v.RawContent,
	}); err != nil {
		return err
	}
	deadline := time.Now().UTC().Add(timeoutFor(v.TimeoutSeconds))
	if err := d.stores.AsyncOps.Track(ctx, store.TrackAsyncOpParams{
		OpID: v.ToolCallID, TurnID: v.TurnID, TargetType: store.TargetAgent, TargetID: v.TargetAgentID,
		TimeoutAt: deadline,
	}); err != nil {
		return err
	}
	if !v.Async {
		if err := d.stores.AsyncOps.MarkWaiting(ctx, v.TurnID, v.ToolCallID); err != nil {
			return err
		}
	}
	d.scheduleAlarm(ctx, v.ConversationID, deadline)

	switch v.Mode {
	case planner.AgentModeLoopIn:
		// The peer joins this conversation; no callback metadata travels
		// with the input.
		if _, _, err := d.stores.Participants.Add(ctx, store.Participant{
			ConversationID: v.ConversationID, ParticipantType: store.ParticipantAgent,
			ParticipantID: v.TargetAgentID, AddedByTurnID: v.TurnID,
		}); err != nil {
			return err
		}
		d.fireAndForget(ctx, "dispatch.agent.loop_in", func(ctx context.Context) error {
			_, err := d.peerAgent.StartTurn(ctx, v.ConversationID, peeragent.StartTurnParams{
				ConversationID: v.ConversationID, Input: v.Input, Caller: store.CallerAgent,
			})
			return err
		})
		return nil
	default: // AgentModeDelegate
		// Every delegation runs in its own fresh child conversation; reusing
		// the target agent's id as the address would funnel all delegations
		// to one shared conversation.
		childConversationID := ids.New()
		d.emitter.Emit(ctx, "dispatch.agent.delegate.conversation_created", map[string]any{
			"childConversationId": childConversationID, "agentId": v.TargetAgentID, "toolCallId": v.ToolCallID,
		})
		d.fireAndForget(ctx, "dispatch.agent.delegate", func(ctx context.Context) error {
			_, err := d.peerAgent.StartTurn(ctx, v.TargetAgentID, peeragent.StartTurnParams{
				ConversationID: childConversationID, Input: v.Input, Caller: store.CallerAgent,
				Callback: &peeragent.Callback{ConversationID: v.ConversationID, TurnID: v.TurnID, ToolCallID: v.ToolCallID},
			})
			return err
		})
		return nil
	}
}

func timeoutFor(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultTaskTimeout
}

// scheduleAlarm arms the conversation's single-slot alarm to the new deadline
// if it is earlier than whatever is already armed. Failures become trace
// events: a missed arm is recovered by the next sweep's rearm.
func (d *Dispatcher) scheduleAlarm(ctx context.Context, conversationID string, at time.Time) {
	if d.alarmSched == nil {
		return
	}
	if err := alarm.ScheduleEarliest(ctx, d.alarmSched, conversationID, at.UnixNano()); err != nil {
		d.emitter.Emit(ctx, "dispatch.alarm.error", map[string]any{"conversationId": conversationID, "error": err.Error()})
	}
}

func (d *Dispatcher) applyDispatchMemoryExtraction(ctx context.Context, v planner.DispatchMemoryExtractionDecision) error {
	runID, err := d.coordinator.CreateRun(ctx, coordinator.CreateRunParams{
		WorkflowID: v.MemoryExtractionWorkflowID,
		Input:      v.Transcript,
		Callback: coordinator.Callback{
			ConversationID: v.ConversationID, TurnID: v.TurnID, Type: "memory_extraction",
		},
	})
	if err != nil {
		return err
	}
	if err := d.coordinator.Start(ctx, runID); err != nil {
		return err
	}
	return d.stores.Turns.LinkMemoryExtraction(ctx, v.TurnID, runID)
}

// fireAndForget runs fn on the bounded outbound group; failures become
// trace events, never errors returned to the caller.
func (d *Dispatcher) fireAndForget(ctx context.Context, traceType string, fn func(context.Context) error) {
	d.outbound.Go(func() error {
		if err := fn(ctx); err != nil {
			d.emitter.Emit(ctx, traceType+".error", map[string]any{"error": err.Error()})
		}
		return nil
	})
}

// Wait blocks until all outstanding fire-and-forget calls finish. Primarily
// useful in tests and during graceful shutdown.
func (d *Dispatcher) Wait() {
	_ = d.outbound.Wait()
}
