// Package loopdriver bridges the turn engine to the LLM adapter and the
// planner: it issues one LLM call, interprets the response
// into decisions, applies them through the dispatcher, and reports whether
// the turn must now wait on a synchronous tool.
package loopdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/convactor/turnflow/coordinator"
	"github.com/convactor/turnflow/dispatch"
	"github.com/convactor/turnflow/llmadapter"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

// Driver wires one LLM adapter, one dispatcher, and the turn/async-op stores
// (for context-assembly snapshots and the post-dispatch wait/pending check)
// together.
type Driver struct {
	llm         llmadapter.Adapter
	dispatcher  *dispatch.Dispatcher
	turns       store.TurnStore
	asyncOps    store.AsyncOpStore
	coordinator coordinator.Coordinator
	emitter     telemetry.Emitter

	contextAssemblyWorkflowID string
}

// New constructs a Driver. contextAssemblyWorkflowID names the out-of-scope
// workflow DispatchContextAssembly starts when the persona does not name one.
func New(llm llmadapter.Adapter, dispatcher *dispatch.Dispatcher, turns store.TurnStore, asyncOps store.AsyncOpStore, coord coordinator.Coordinator, contextAssemblyWorkflowID string, emitter telemetry.Emitter) *Driver {
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &Driver{
		llm: llm, dispatcher: dispatcher, turns: turns, asyncOps: asyncOps, coordinator: coord,
		contextAssemblyWorkflowID: contextAssemblyWorkflowID, emitter: emitter,
	}
}

// defaultRecentTurnsLimit bounds the history snapshot when the persona does
// not set its own limit.
const defaultRecentTurnsLimit = 10

// ContextAssemblyParams bundles the inputs to one DispatchContextAssembly
// call. WorkflowID falls back to the Driver's default when empty.
type ContextAssemblyParams struct {
	TurnID           string
	ConversationID   string
	UserMessage      string
	WorkflowID       string
	RecentTurnsLimit int
	ModelProfileID   string
	Tools            []planner.ToolDef
}

// ContextAssemblyInput is the workflow run's input payload: everything the
// out-of-scope assembly workflow needs to build the provider-native LLM
// request for this turn.
type ContextAssemblyInput struct {
	UserMessage    string                 `json:"userMessage"`
	RecentTurns    []TurnSummary          `json:"recentTurns"`
	ActiveTurns    []ActiveTurnSummary    `json:"activeTurns"`
	ModelProfileID string                 `json:"modelProfileId,omitempty"`
	ToolIDs        []string               `json:"toolIds"`
	Tools          []planner.ResolvedTool `json:"tools"`
}

// TurnSummary is one prior turn in the assembly snapshot.
type TurnSummary struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// ActiveTurnSummary annotates a concurrently active turn with its pending
// async-op count so the assembled context can mention in-flight work.
type ActiveTurnSummary struct {
	ID         string `json:"id"`
	PendingOps int    `json:"pendingOps"`
}

// DispatchContextAssembly starts the out-of-scope workflow that builds the
// provider-native LLM request for a fresh turn (DISPATCH_CONTEXT_ASSEMBLY
// is a no-op inside applyDecisions; the loop driver owns the real call). The run is linked to the turn before Start so
// the callback can be correlated even if the coordinator races the link.
func (d *Driver) DispatchContextAssembly(ctx context.Context, p ContextAssemblyParams) error {
	d.dispatcher.ApplyDecisions(ctx, []planner.Decision{
		planner.DispatchContextAssemblyDecision{TurnID: p.TurnID, ConversationID: p.ConversationID, UserMessage: p.UserMessage},
	})

	input, err := d.buildContextAssemblyInput(ctx, p)
	if err != nil {
		return fmt.Errorf("loopdriver: build context assembly input: %w", err)
	}

	workflowID := p.WorkflowID
	if workflowID == "" {
		workflowID = d.contextAssemblyWorkflowID
	}
	runID, err := d.coordinator.CreateRun(ctx, coordinator.CreateRunParams{
		WorkflowID: workflowID,
		Input:      input,
		Callback:   coordinator.Callback{ConversationID: p.ConversationID, TurnID: p.TurnID, Type: "context_assembly"},
	})
	if err != nil {
		return err
	}
	if err := d.turns.LinkContextAssembly(ctx, p.TurnID, runID); err != nil {
		return err
	}
	return d.coordinator.Start(ctx, runID)
}

func (d *Driver) buildContextAssemblyInput(ctx context.Context, p ContextAssemblyParams) ([]byte, error) {
	limit := p.RecentTurnsLimit
	if limit <= 0 {
		limit = defaultRecentTurnsLimit
	}
	recent, err := d.turns.GetRecent(ctx, p.ConversationID, limit)
	if err != nil {
		return nil, err
	}
	recentSummaries := make([]TurnSummary, 0, len(recent))
	for _, t := range recent {
		recentSummaries = append(recentSummaries, TurnSummary{
			ID: t.ID, Caller: string(t.Caller), Status: string(t.Status), CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	active, err := d.turns.GetActive(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	activeSummaries := make([]ActiveTurnSummary, 0, len(active))
	for _, t := range active {
		if t.ID == p.TurnID {
			continue
		}
		pending, err := d.asyncOps.GetPendingCount(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		activeSummaries = append(activeSummaries, ActiveTurnSummary{ID: t.ID, PendingOps: pending})
	}

	specs, _, err := planner.ResolveTools(p.Tools)
	if err != nil {
		return nil, err
	}
	toolIDs := make([]string, 0, len(p.Tools))
	for _, t := range p.Tools {
		toolIDs = append(toolIDs, t.Name)
	}

	return json.Marshal(ContextAssemblyInput{
		UserMessage:    p.UserMessage,
		RecentTurns:    recentSummaries,
		ActiveTurns:    activeSummaries,
		ModelProfileID: p.ModelProfileID,
		ToolIDs:        toolIDs,
		Tools:          specs,
	})
}

// RunParams bundles the inputs to one RunLLMLoop call.
type RunParams struct {
	TurnID         string
	ConversationID string
	// RawRequest is the provider-native assembled message list: either the
	// context-assembly workflow's output on a fresh turn, or a continuation
	// request rebuilt from persisted Move.rawContent.
	RawRequest  json.RawMessage
	Tools       []planner.ResolvedTool
	ToolLookup  planner.ToolLookup
	Credentials llmadapter.Credentials
	// StreamToken, when set, streams response text token by token on fresh
	// (non-continuation) requests. Raw continuations never stream.
	StreamToken llmadapter.OnToken
}

// Result reports the turn's post-dispatch wait state.
type Result struct {
	WaitingForSync  bool
	PendingAsyncOps int
}

// isRawContinuation reports whether the message list is already in
// provider-native continuation shape: an assistant role present, or array
// content blocks. Such requests route to CallLLMRaw so the
// persisted rawContent round-trips verbatim.
func isRawContinuation(msgs json.RawMessage) bool {
	var arr []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(msgs, &arr); err != nil {
		return false
	}
	for _, m := range arr {
		if m.Role == "assistant" {
			return true
		}
		if len(m.Content) > 0 && m.Content[0] == '[' {
			return true
		}
	}
	return false
}

// RunLLMLoop issues one LLM call, interprets the response, and applies the
// resulting decisions. It never loops internally: a turn that dispatches a
// tool re-enters via a fresh RunLLMLoop call once the tool's callback
// arrives.
func (d *Driver) RunLLMLoop(ctx context.Context, p RunParams) (Result, error) {
	var resp llmadapter.Response
	var err error
	switch {
	case isRawContinuation(p.RawRequest):
		resp, err = d.llm.CallLLMRaw(ctx, p.RawRequest, p.Tools, p.Credentials)
	case p.StreamToken != nil:
		resp, err = d.llm.CallLLMWithStreaming(ctx, llmadapter.Request{Messages: p.RawRequest, Tools: p.Tools}, p.Credentials, p.StreamToken)
	default:
		resp, err = d.llm.CallLLM(ctx, llmadapter.Request{Messages: p.RawRequest, Tools: p.Tools}, p.Credentials)
	}
	if err != nil {
		return Result{}, fmt.Errorf("loopdriver: llm call: %w", err)
	}

	planResult := planner.InterpretResponse(planner.InterpretResponseParams{
		TurnID:         p.TurnID,
		ConversationID: p.ConversationID,
		Response: planner.LLMResponse{
			Text:       resp.Text,
			ToolUses:   resp.ToolUses,
			RawContent: resp.RawContent,
		},
		ToolLookup: p.ToolLookup,
	})

	for _, ev := range planResult.Events {
		d.emitter.Emit(ctx, "planner."+ev.Type, ev.Payload)
	}
	d.dispatcher.ApplyDecisions(ctx, planResult.Decisions)

	waiting, err := d.asyncOps.HasWaiting(ctx, p.TurnID)
	if err != nil {
		return Result{}, err
	}
	pending, err := d.asyncOps.GetPendingCount(ctx, p.TurnID)
	if err != nil {
		return Result{}, err
	}
	return Result{WaitingForSync: waiting, PendingAsyncOps: pending}, nil
}
