// Package planner turns LLM output and a tool catalog into a decision list,
// with zero I/O: the store package is imported for its row types only, and
// no store is called; no dispatch or adapter package is imported here.
package planner

import (
	"encoding/json"

	"github.com/convactor/turnflow/store"
)

// DecisionKind discriminates the closed Decision sum type.
type DecisionKind string

const (
	KindStartTurn               DecisionKind = "START_TURN"
	KindCompleteTurn            DecisionKind = "COMPLETE_TURN"
	KindFailTurn                DecisionKind = "FAIL_TURN"
	KindAppendMessage           DecisionKind = "APPEND_MESSAGE"
	KindRecordMove              DecisionKind = "RECORD_MOVE"
	KindAsyncOpCompleted        DecisionKind = "ASYNC_OP_COMPLETED"
	KindMarkWaiting             DecisionKind = "MARK_WAITING"
	KindResumeFromTool          DecisionKind = "RESUME_FROM_TOOL"
	KindDispatchTask            DecisionKind = "DISPATCH_TASK"
	KindDispatchWorkflow        DecisionKind = "DISPATCH_WORKFLOW"
	KindDispatchAgent           DecisionKind = "DISPATCH_AGENT"
	KindDispatchContextAssembly DecisionKind = "DISPATCH_CONTEXT_ASSEMBLY"
	KindDispatchMemoryExtraction DecisionKind = "DISPATCH_MEMORY_EXTRACTION"
)

// AgentMode distinguishes the two DISPATCH_AGENT shapes.
type AgentMode string

const (
	AgentModeLoopIn  AgentMode = "loop_in"
	AgentModeDelegate AgentMode = "delegate"
)

// Decision is the closed sum type emitted by the planner and consumed by the
// dispatcher. Implementations live only in this package; DecisionKind is the
// discriminator. The dispatcher's type switch over the concrete types has a
// default branch that rejects any unknown implementation.
type Decision interface {
	DecisionKind() DecisionKind
}

type (
	StartTurnDecision struct {
		ConversationID string
		Caller         store.Caller
		Input          json.RawMessage
	}

	CompleteTurnDecision struct {
		TurnID string
		Issues *store.TurnIssues
	}

	FailTurnDecision struct {
		TurnID       string
		ErrorCode    string
		ErrorMessage string
	}

	AppendMessageDecision struct {
		ConversationID string
		TurnID         string
		Role           store.MessageRole
		Content        string
	}

	RecordMoveDecision struct {
		TurnID     string
		Reasoning  string
		ToolCall   *store.MoveToolCall
		RawContent json.RawMessage
	}

	// AsyncOpCompletedDecision reports the terminal outcome of a tool call,
	// whether it came back from a real dispatch or was synthesized by the
	// planner itself (unknown tool, schema validation failure).
	AsyncOpCompletedDecision struct {
		TurnID     string
		OpID       string
		ToolCallID string
		Success    bool
		Result     json.RawMessage
		Error      *store.ToolResultError
	}

	MarkWaitingDecision struct {
		TurnID string
		OpID   string
	}

	ResumeFromToolDecision struct {
		OpID   string
		Result json.RawMessage
	}

	// DispatchTaskDecision requests synchronous-or-asynchronous execution of a
	// task-backed tool. TimeoutSeconds of 0 means "use the dispatcher default".
	// Reasoning is the LLM response's accompanying text, if any, carried onto
	// the move this dispatch records so finalReasoning stays accurate even
	// when a turn ends on a dispatch rather than a later plain-text reply.
	DispatchTaskDecision struct {
		TurnID         string
		ConversationID string
		ToolCallID     string
		TargetID       string
		Input          json.RawMessage
		RawContent     json.RawMessage
		Reasoning      string
		Async          bool
		Retry          store.RetryConfig
		TimeoutSeconds int
	}

	DispatchWorkflowDecision struct {
		TurnID         string
		ConversationID string
		ToolCallID     string
		TargetID       string
		Input          json.RawMessage
		RawContent     json.RawMessage
		Reasoning      string
		Async          bool
		Retry          store.RetryConfig
		TimeoutSeconds int
	}

	DispatchAgentDecision struct {
		TurnID         string
		ConversationID string
		ToolCallID     string
		TargetAgentID  string
		Mode           AgentMode
		Input          json.RawMessage
		RawContent     json.RawMessage
		Reasoning      string
		Async          bool
		TimeoutSeconds int
	}

	DispatchContextAssemblyDecision struct {
		TurnID         string
		ConversationID string
		UserMessage    string
	}

	DispatchMemoryExtractionDecision struct {
		TurnID                     string
		ConversationID             string
		AgentID                    string
		MemoryExtractionWorkflowID string
		ProjectID                  string
		Version                    string
		Transcript                 json.RawMessage
	}
)

func (StartTurnDecision) DecisionKind() DecisionKind                { return KindStartTurn }
func (CompleteTurnDecision) DecisionKind() DecisionKind             { return KindCompleteTurn }
func (FailTurnDecision) DecisionKind() DecisionKind                 { return KindFailTurn }
func (AppendMessageDecision) DecisionKind() DecisionKind            { return KindAppendMessage }
func (RecordMoveDecision) DecisionKind() DecisionKind               { return KindRecordMove }
func (AsyncOpCompletedDecision) DecisionKind() DecisionKind         { return KindAsyncOpCompleted }
func (MarkWaitingDecision) DecisionKind() DecisionKind              { return KindMarkWaiting }
func (ResumeFromToolDecision) DecisionKind() DecisionKind           { return KindResumeFromTool }
func (DispatchTaskDecision) DecisionKind() DecisionKind             { return KindDispatchTask }
func (DispatchWorkflowDecision) DecisionKind() DecisionKind         { return KindDispatchWorkflow }
func (DispatchAgentDecision) DecisionKind() DecisionKind            { return KindDispatchAgent }
func (DispatchContextAssemblyDecision) DecisionKind() DecisionKind  { return KindDispatchContextAssembly }
func (DispatchMemoryExtractionDecision) DecisionKind() DecisionKind { return KindDispatchMemoryExtraction }

// Event is a trace-only annotation emitted alongside decisions; it never
// drives a store mutation.
type Event struct {
	Type    string
	Payload map[string]any
}

// Result bundles the decisions and events produced by a single planning call.
type Result struct {
	Decisions []Decision
	Events    []Event
}
