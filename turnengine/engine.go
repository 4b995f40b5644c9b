// Package turnengine implements the turn state machine and callback
// router: starting turns, reconstructing continuation LLM requests,
// driving the loop driver, and finalizing turns exactly once every
// obligation is discharged. One Engine owns exactly one conversation's
// complete state, matching the actor's single-writer discipline; the actor
// package is responsible for giving every conversation its own Engine
// instance (and, with it, its own store handles).
package turnengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convactor/turnflow/alarm"
	"github.com/convactor/turnflow/coordinator"
	"github.com/convactor/turnflow/definitions"
	"github.com/convactor/turnflow/dispatch"
	"github.com/convactor/turnflow/llmadapter"
	"github.com/convactor/turnflow/loopdriver"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
	"github.com/convactor/turnflow/toolerrors"
)

// AgentResponseParams carries a completed peer turn's result back to the
// conversation that delegated it.
type AgentResponseParams struct {
	TurnID         string
	ToolCallID     string
	FinalReasoning string
}

// ActorRouter delivers a completed peer turn's result to the parent
// conversation's actor, addressed by conversationId (a delegate completion
// invokes the parent's HandleAgentResponse).
// Implemented by the actor package's registry; a nil router simply drops
// delegate callbacks, which is fine for a single-conversation demo.
type ActorRouter interface {
	HandleAgentResponse(ctx context.Context, conversationID string, params AgentResponseParams) error
}

// AgentCallback is embedded in a delegated turn's opaque input so its
// completion can be routed back to the parent actor.
type AgentCallback struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
	ToolCallID     string `json:"toolCallId"`
}

// WorkflowCallback is embedded in a delegated turn's opaque input when the
// delegation was made on behalf of a workflow node rather than a direct
// agent tool call.
type WorkflowCallback struct {
	Type   string `json:"type"`
	RunID  string `json:"runId"`
	NodeID string `json:"nodeId"`
}

// turnInputEnvelope is the one load-bearing shape of Turn.Input this
// package writes and reads back; everything else about Input is opaque.
type turnInputEnvelope struct {
	UserMessage      string            `json:"userMessage,omitempty"`
	AgentCallback    *AgentCallback    `json:"_agentCallback,omitempty"`
	WorkflowCallback *WorkflowCallback `json:"_workflowCallback,omitempty"`
}

// Config bundles an Engine's collaborators. ConversationID and PersonaID are
// fixed for the Engine's lifetime; Stores and Dispatcher must already be
// scoped to ConversationID (stores are strictly owned by one actor).
type Config struct {
	ConversationID string
	PersonaID      string

	Stores      dispatch.Stores
	Dispatcher  *dispatch.Dispatcher
	Loop        *loopdriver.Driver
	Definitions definitions.Store
	Coordinator coordinator.Coordinator
	Alarm       alarm.Scheduler
	Router      ActorRouter
	Emitter     telemetry.Emitter
	Metrics     telemetry.Metrics

	// StreamToken, when set, receives response text token by token on fresh
	// LLM calls (continuations never stream).
	StreamToken llmadapter.OnToken
}

// Engine is the single-writer actor for one conversation.
type Engine struct {
	conversationID string
	personaID      string

	stores      dispatch.Stores
	dispatcher  *dispatch.Dispatcher
	loop        *loopdriver.Driver
	definitions definitions.Store
	coordinator coordinator.Coordinator
	alarmSched  alarm.Scheduler
	router      ActorRouter
	emitter     telemetry.Emitter
	metrics     telemetry.Metrics
	streamToken llmadapter.OnToken

	// persona is cached on first touch. No mutex: every Engine method runs
	// under the actor's single-writer discipline, never concurrently.
	persona *definitions.Persona
}

// New constructs an Engine for one conversation.
func New(cfg Config) *Engine {
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.NopEmitter
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		conversationID: cfg.ConversationID,
		personaID:      cfg.PersonaID,
		stores:         cfg.Stores,
		dispatcher:     cfg.Dispatcher,
		loop:           cfg.Loop,
		definitions:    cfg.Definitions,
		coordinator:    cfg.Coordinator,
		alarmSched:     cfg.Alarm,
		router:         cfg.Router,
		emitter:        cfg.Emitter,
		metrics:        cfg.Metrics,
		streamToken:    cfg.StreamToken,
	}
}

func (e *Engine) ensurePersona(ctx context.Context) (definitions.Persona, error) {
	if e.persona != nil {
		return *e.persona, nil
	}
	p, err := e.definitions.GetPersona(ctx, e.personaID)
	if err != nil {
		return definitions.Persona{}, fmt.Errorf("turnengine: load persona %q: %w", e.personaID, err)
	}
	e.persona = &p
	return p, nil
}

// StartTurn initializes persona/definitions on first touch, creates the
// turn, appends the user message, and kicks off context assembly. The LLM
// call does not run here.
func (e *Engine) StartTurn(ctx context.Context, userMessage string, caller store.Caller) (string, error) {
	return e.startTurn(ctx, userMessage, caller, nil, nil)
}

// StartAgentCallParams bundles the inputs to StartAgentCall.
type StartAgentCallParams struct {
	UserMessage      string
	Caller           store.Caller
	AgentCallback    *AgentCallback
	WorkflowCallback *WorkflowCallback
}

// StartAgentCall is StartTurn with callback metadata embedded in the turn
// input so completion can be reported back to the parent.
func (e *Engine) StartAgentCall(ctx context.Context, p StartAgentCallParams) (string, error) {
	return e.startTurn(ctx, p.UserMessage, p.Caller, p.AgentCallback, p.WorkflowCallback)
}

func (e *Engine) startTurn(ctx context.Context, userMessage string, caller store.Caller, ac *AgentCallback, wc *WorkflowCallback) (string, error) {
	firstTouch := e.persona == nil
	persona, err := e.ensurePersona(ctx)
	if err != nil {
		return "", err
	}
	if firstTouch {
		// Register this conversation's own agent as a participant. Add has
		// set semantics, so a restart re-touching the conversation is a no-op.
		if _, _, err := e.stores.Participants.Add(ctx, store.Participant{
			ConversationID: e.conversationID, ParticipantType: store.ParticipantAgent, ParticipantID: persona.ID,
		}); err != nil {
			return "", fmt.Errorf("turnengine: register agent participant: %w", err)
		}
	}

	input, err := json.Marshal(turnInputEnvelope{UserMessage: userMessage, AgentCallback: ac, WorkflowCallback: wc})
	if err != nil {
		return "", fmt.Errorf("turnengine: encode turn input: %w", err)
	}

	out := e.dispatcher.ApplyDecisions(ctx, []planner.Decision{
		planner.StartTurnDecision{ConversationID: e.conversationID, Caller: caller, Input: input},
	})
	if len(out.TurnsCreated) == 0 {
		if len(out.Errors) > 0 {
			return "", fmt.Errorf("turnengine: create turn: %w", out.Errors[0])
		}
		return "", fmt.Errorf("turnengine: create turn: no turn id returned")
	}
	turnID := out.TurnsCreated[0]

	e.dispatcher.ApplyDecisions(ctx, []planner.Decision{
		planner.AppendMessageDecision{
			ConversationID: e.conversationID, TurnID: turnID, Role: store.RoleUser, Content: userMessage,
		},
	})

	if err := e.loop.DispatchContextAssembly(ctx, loopdriver.ContextAssemblyParams{
		TurnID:           turnID,
		ConversationID:   e.conversationID,
		UserMessage:      userMessage,
		WorkflowID:       persona.ContextAssemblyWorkflowID,
		RecentTurnsLimit: persona.RecentTurnsLimit,
		ModelProfileID:   persona.ModelProfileID,
		Tools:            persona.Tools,
	}); err != nil {
		_, _ = e.stores.Turns.Fail(ctx, turnID, string(toolerrors.CodeInternal), err.Error())
		e.emitter.Emit(ctx, "turnengine.start_turn.context_assembly_failed", map[string]any{"turnId": turnID, "error": err.Error()})
		return turnID, fmt.Errorf("turnengine: dispatch context assembly: %w", err)
	}
	return turnID, nil
}

// HandleContextAssemblyResult links the finished context-assembly run to
// the turn, runs the LLM loop with its freshly-assembled request, and
// checks whether the turn can complete.
func (e *Engine) HandleContextAssemblyResult(ctx context.Context, turnID, runID string, llmRequest json.RawMessage) error {
	if err := e.stores.Turns.LinkContextAssembly(ctx, turnID, runID); err != nil {
		return fmt.Errorf("turnengine: link context assembly: %w", err)
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
		RawRequest: llmRequest, Tools: tools, ToolLookup: lookup, Credentials: persona.Credentials,
		StreamToken: e.streamToken,
	})
	if err != nil {
		e.emitter.Emit(ctx, "turnengine.run_llm_loop.error", map[string]any{"turnId": turnID, "error": err.Error()})
		return err
	}
	return e.maybeCompleteTurn(ctx, turnID, res)
}
