// Package store defines the durable per-conversation data model: turns,
// messages, moves, async ops, and participants. Every entity here is owned
// exclusively by one conversation actor (strict single-writer);
// only ids cross conversation boundaries.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/convactor/turnflow/toolerrors"
)

type (
	// Caller tags who initiated a Turn.
	Caller string

	// TurnStatus is the lifecycle state of a Turn.
	TurnStatus string

	// MoveToolCall records a tool invocation requested within a Move.
	MoveToolCall struct {
		ID    string          `json:"id"`
		ToolID string         `json:"toolId"`
		Input json.RawMessage `json:"input"`
	}

	// MoveToolResult records the outcome of a Move's tool invocation, once known.
	MoveToolResult struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *ToolResultError `json:"error,omitempty"`
	}

	// ToolResultError is the structured failure attached to a MoveToolResult.
	// Code draws from the closed toolerrors taxonomy.
	ToolResultError struct {
		Code      toolerrors.Code `json:"code"`
		Message   string          `json:"message"`
		Retriable bool            `json:"retriable"`
	}

	// TurnIssues summarizes problems observed during a turn, recorded at
	// completion time.
	TurnIssues struct {
		ToolFailures            int  `json:"toolFailures"`
		MemoryExtractionFailed  bool `json:"memoryExtractionFailed"`
	}

	// Turn is one unit of agent work.
	Turn struct {
		ID             string
		ConversationID string
		Caller         Caller
		Input          json.RawMessage
		Status         TurnStatus
		CreatedAt      time.Time
		CompletedAt    time.Time
		ErrorCode      string
		ErrorMessage   string
		ContextAssemblyRunID   string
		MemoryExtractionRunID  string
		MemoryExtractionFailed bool
		ToolFailures           int
	}

	// MessageRole is the role of a Message.
	MessageRole string

	// Message is one user or agent utterance. Append-only.
	Message struct {
		ID             string
		ConversationID string
		TurnID         string
		Role           MessageRole
		Content        string
		CreatedAt      time.Time
	}

	// Move is one iteration within a turn.
	Move struct {
		ID         string
		TurnID     string
		Sequence   int
		Reasoning  string
		ToolCall   *MoveToolCall
		ToolResult *MoveToolResult
		// RawContent is the opaque, provider-native content blocks for the
		// assistant turn that produced ToolCall, retained verbatim so a
		// continuation LLM request can reproduce it exactly. Never normalize
		// this into a domain type.
		RawContent json.RawMessage
		CreatedAt  time.Time
	}

	// AsyncOpTargetType identifies what kind of external collaborator an
	// AsyncOp is tracking.
	AsyncOpTargetType string

	// AsyncOpStatus is the lifecycle state of an AsyncOp.
	AsyncOpStatus string

	// AsyncOp is the bookkeeping record for one in-flight tool invocation.
	// Its id equals the owning tool call id, so there is at
	// most one AsyncOp per tool call.
	AsyncOp struct {
		ID          string
		TurnID      string
		TargetType  AsyncOpTargetType
		TargetID    string
		Status      AsyncOpStatus
		Result      json.RawMessage
		Error       *ToolResultError
		CreatedAt   time.Time
		CompletedAt time.Time
		TimeoutAt   time.Time
		AttemptNumber int
		MaxAttempts   int
		BackoffMs     int
		LastError     string
	}

	// ParticipantType distinguishes the kind of participant row.
	ParticipantType string

	// Participant models set-membership of an agent/user in a conversation.
	Participant struct {
		ID             string
		ConversationID string
		ParticipantType ParticipantType
		ParticipantID   string
		AddedAt         time.Time
		AddedByTurnID   string
	}

	// TrackAsyncOpParams bundles the fields needed to start tracking an AsyncOp.
	TrackAsyncOpParams struct {
		OpID       string
		TurnID     string
		TargetType AsyncOpTargetType
		TargetID   string
		TimeoutAt  time.Time
		Retry      RetryConfig
	}

	// RetryConfig configures AsyncOp retry behavior.
	RetryConfig struct {
		MaxAttempts int
		BackoffMs   int
	}

	// RecordMoveParams bundles the fields needed to record a Move.
	RecordMoveParams struct {
		TurnID     string
		Reasoning  string
		ToolCall   *MoveToolCall
		RawContent json.RawMessage
	}
)

const (
	// CallerUser tags a Turn started on behalf of an end user.
	CallerUser Caller = "user"
	// CallerWorkflow tags a Turn started by a workflow coordinator.
	CallerWorkflow Caller = "workflow"
	// CallerAgent tags a Turn started by a peer agent.
	CallerAgent Caller = "agent"

	// TurnActive is the only non-terminal Turn status.
	TurnActive TurnStatus = "active"
	// TurnCompleted is a terminal Turn status reached via COMPLETE_TURN.
	TurnCompleted TurnStatus = "completed"
	// TurnFailed is a terminal Turn status reached via FAIL_TURN.
	TurnFailed TurnStatus = "failed"

	// RoleUser tags a Message authored by the end user.
	RoleUser MessageRole = "user"
	// RoleAgent tags a Message authored by the agent.
	RoleAgent MessageRole = "agent"

	// TargetTask routes an AsyncOp to the task executor.
	TargetTask AsyncOpTargetType = "task"
	// TargetWorkflow routes an AsyncOp to the workflow coordinator.
	TargetWorkflow AsyncOpTargetType = "workflow"
	// TargetAgent routes an AsyncOp to a peer agent.
	TargetAgent AsyncOpTargetType = "agent"

	// OpPending means the turn continues regardless of this op's outcome.
	OpPending AsyncOpStatus = "pending"
	// OpWaiting means the turn is blocked on this op.
	OpWaiting AsyncOpStatus = "waiting"
	// OpCompleted is a terminal, successful AsyncOp status.
	OpCompleted AsyncOpStatus = "completed"
	// OpFailed is a terminal, unsuccessful AsyncOp status.
	OpFailed AsyncOpStatus = "failed"

	// ParticipantUser tags a human participant.
	ParticipantUser ParticipantType = "user"
	// ParticipantAgent tags an agent participant.
	ParticipantAgent ParticipantType = "agent"
)

type (
	// TurnStore persists Turn rows for one or more conversations. Every write
	// emits a corresponding trace event through the store's Emitter.
	TurnStore interface {
		Create(ctx context.Context, conversationID string, caller Caller, input json.RawMessage) (string, error)
		Complete(ctx context.Context, turnID string, issues *TurnIssues) (bool, error)
		Fail(ctx context.Context, turnID string, errorCode, errorMessage string) (bool, error)
		LinkContextAssembly(ctx context.Context, turnID, runID string) error
		LinkMemoryExtraction(ctx context.Context, turnID, runID string) error
		MarkMemoryExtractionFailed(ctx context.Context, turnID string) error
		Get(ctx context.Context, turnID string) (Turn, bool, error)
		GetActive(ctx context.Context, conversationID string) ([]Turn, error)
		GetRecent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	}

	// MessageStore persists append-only Message rows.
	MessageStore interface {
		Append(ctx context.Context, m Message) (string, error)
		GetForTurn(ctx context.Context, turnID string) ([]Message, error)
		GetRecent(ctx context.Context, conversationID string, limit int) ([]Message, error)
		GetForConversation(ctx context.Context, conversationID string) ([]Message, error)
	}

	// MoveStore persists Move rows, one per turn iteration.
	MoveStore interface {
		Record(ctx context.Context, params RecordMoveParams) (sequence int, moveID string, err error)
		RecordResult(ctx context.Context, turnID, toolCallID string, result MoveToolResult) (bool, error)
		GetForTurn(ctx context.Context, turnID string) ([]Move, error)
		GetLatest(ctx context.Context, turnID string) (Move, bool, error)
	}

	// AsyncOpStore persists AsyncOp rows tracking in-flight tool invocations.
	AsyncOpStore interface {
		Track(ctx context.Context, params TrackAsyncOpParams) error
		MarkWaiting(ctx context.Context, turnID, opID string) error
		Complete(ctx context.Context, opID string, result json.RawMessage) (bool, error)
		Fail(ctx context.Context, opID string, toolErr ToolResultError) (bool, error)
		Resume(ctx context.Context, opID string, result json.RawMessage) (bool, error)
		HasPending(ctx context.Context, turnID string) (bool, error)
		GetPendingCount(ctx context.Context, turnID string) (int, error)
		HasWaiting(ctx context.Context, turnID string) (bool, error)
		GetTimedOut(ctx context.Context, now time.Time) ([]AsyncOp, error)
		GetEarliestTimeout(ctx context.Context) (time.Time, bool, error)
		CanRetry(ctx context.Context, opID string) (bool, error)
		PrepareRetry(ctx context.Context, opID string, lastError string) (time.Time, bool, error)
		Get(ctx context.Context, opID string) (AsyncOp, bool, error)
	}

	// ParticipantStore persists Participant rows with set semantics: at most
	// one row per (conversationID, participantType, participantID).
	ParticipantStore interface {
		Add(ctx context.Context, p Participant) (string, bool, error)
		Exists(ctx context.Context, conversationID string, pt ParticipantType, participantID string) (bool, error)
		GetParticipants(ctx context.Context, conversationID string) ([]Participant, error)
		Remove(ctx context.Context, conversationID string, pt ParticipantType, participantID string) error
	}
)
