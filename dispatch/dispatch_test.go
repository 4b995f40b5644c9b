package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convactor/turnflow/alarm"
	coordfake "github.com/convactor/turnflow/coordinator/fake"
	"github.com/convactor/turnflow/dispatch"
	execfake "github.com/convactor/turnflow/executor/fake"
	peerfake "github.com/convactor/turnflow/peeragent/fake"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/store/inmem"
)

func newStores() dispatch.Stores {
	return dispatch.Stores{
		Turns:        inmem.NewTurnStore(nil),
		Messages:     inmem.NewMessageStore(nil),
		Moves:        inmem.NewMoveStore(nil),
		AsyncOps:     inmem.NewAsyncOpStore(nil),
		Participants: inmem.NewParticipantStore(nil),
	}
}

func TestApplyDecisionsStartAndCompleteTurn(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	d := dispatch.New(stores, execfake.New(), coordfake.New(), peerfake.New(), nil, nil, nil)

	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.StartTurnDecision{ConversationID: "c1", Caller: store.CallerUser},
	})
	require.Empty(t, out.Errors)
	require.Len(t, out.TurnsCreated, 1)
	turnID := out.TurnsCreated[0]

	out = d.ApplyDecisions(ctx, []planner.Decision{
		planner.AppendMessageDecision{ConversationID: "c1", TurnID: turnID, Role: store.RoleAgent, Content: "hi"},
		planner.CompleteTurnDecision{TurnID: turnID},
	})
	require.Empty(t, out.Errors)

	turn, found, err := stores.Turns.Get(ctx, turnID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.TurnCompleted, turn.Status)

	msgs, err := stores.Messages.GetForTurn(ctx, turnID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestApplyDecisionsCompleteOnMissingTurnIsNoOp(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	d := dispatch.New(stores, execfake.New(), coordfake.New(), peerfake.New(), nil, nil, nil)

	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.CompleteTurnDecision{TurnID: "missing-turn"},
		planner.StartTurnDecision{ConversationID: "c1", Caller: store.CallerUser},
	})
	// Complete on a nonexistent turn is a no-op (returns false, nil err) per
	// store semantics, not an error — so both decisions should apply cleanly.
	assert.Empty(t, out.Errors)
	assert.Len(t, out.TurnsCreated, 1)
}

func TestApplyDecisionsDispatchTaskTracksAndMarksWaiting(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	exec := execfake.New()
	d := dispatch.New(stores, exec, coordfake.New(), peerfake.New(), nil, nil, nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.DispatchTaskDecision{
			TurnID: turnID, ConversationID: "c1", ToolCallID: "call-1", TargetID: "search-task",
			Input: []byte(`{"q":"x"}`),
		},
	})
	require.Empty(t, out.Errors)
	d.Wait()

	op, found, err := stores.AsyncOps.Get(ctx, "call-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.OpWaiting, op.Status)

	require.Len(t, exec.Calls, 1)
	assert.Equal(t, "call-1", exec.Calls[0].ToolCallID)

	moves, err := stores.Moves.GetForTurn(ctx, turnID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.NotNil(t, moves[0].ToolCall)
	assert.Equal(t, "call-1", moves[0].ToolCall.ID)
}

func TestApplyDecisionsDispatchTaskAsyncStaysPending(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	d := dispatch.New(stores, execfake.New(), coordfake.New(), peerfake.New(), nil, nil, nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.DispatchTaskDecision{TurnID: turnID, ConversationID: "c1", ToolCallID: "call-1", TargetID: "t", Async: true},
	})
	require.Empty(t, out.Errors)
	d.Wait()

	op, _, err := stores.AsyncOps.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, store.OpPending, op.Status)
}

func TestApplyDecisionsAsyncOpCompletedRecordsResultAndTerminalStatus(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	d := dispatch.New(stores, execfake.New(), coordfake.New(), peerfake.New(), nil, nil, nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)
	_, _, err = stores.Moves.Record(ctx, store.RecordMoveParams{
		TurnID: turnID, ToolCall: &store.MoveToolCall{ID: "call-1"},
	})
	require.NoError(t, err)
	require.NoError(t, stores.AsyncOps.Track(ctx, store.TrackAsyncOpParams{OpID: "call-1", TurnID: turnID}))

	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.AsyncOpCompletedDecision{TurnID: turnID, OpID: "call-1", ToolCallID: "call-1", Success: true, Result: []byte(`"ok"`)},
	})
	require.Empty(t, out.Errors)

	op, _, err := stores.AsyncOps.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, store.OpCompleted, op.Status)

	latest, found, err := stores.Moves.GetLatest(ctx, turnID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, latest.ToolResult)
	assert.True(t, latest.ToolResult.Success)
}

func TestApplyDecisionsDispatchAgentLoopInAddsParticipant(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	peer := peerfake.New()
	d := dispatch.New(stores, execfake.New(), coordfake.New(), peer, nil, nil, nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.DispatchAgentDecision{TurnID: turnID, ConversationID: "c1", ToolCallID: "call-1", TargetAgentID: "billing", Mode: planner.AgentModeLoopIn},
	})
	require.Empty(t, out.Errors)
	d.Wait()

	exists, err := stores.Participants.Exists(ctx, "c1", store.ParticipantAgent, "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	// The peer joins this conversation with no callback metadata.
	require.Len(t, peer.Calls, 1)
	assert.Equal(t, "c1", peer.Calls[0].AgentName)
	assert.Nil(t, peer.Calls[0].Params.Callback)

	op, found, err := stores.AsyncOps.Get(ctx, "call-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.OpWaiting, op.Status)
}

func TestApplyDecisionsDispatchAgentDelegateEmbedsCallback(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	peer := peerfake.New()
	d := dispatch.New(stores, execfake.New(), coordfake.New(), peer, nil, nil, nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.DispatchAgentDecision{
			TurnID: turnID, ConversationID: "c1", ToolCallID: "call-1", TargetAgentID: "billing",
			Mode: planner.AgentModeDelegate, Input: []byte(`"review this invoice"`),
		},
	})
	require.Empty(t, out.Errors)
	d.Wait()

	// The child runs in a freshly minted conversation of its own and carries
	// the parent's callback so it can report back on completion.
	require.Len(t, peer.Calls, 1)
	assert.Equal(t, "billing", peer.Calls[0].AgentName)
	childConv := peer.Calls[0].Params.ConversationID
	assert.NotEmpty(t, childConv)
	assert.NotEqual(t, "c1", childConv)
	assert.NotEqual(t, "billing", childConv)
	cb := peer.Calls[0].Params.Callback
	require.NotNil(t, cb)
	assert.Equal(t, "c1", cb.ConversationID)
	assert.Equal(t, turnID, cb.TurnID)
	assert.Equal(t, "call-1", cb.ToolCallID)

	moves, err := stores.Moves.GetForTurn(ctx, turnID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.NotNil(t, moves[0].ToolCall)
	assert.Equal(t, "call-1", moves[0].ToolCall.ID)

	op, found, err := stores.AsyncOps.Get(ctx, "call-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.OpWaiting, op.Status)

	// Delegation must never add the target to the parent conversation.
	exists, err := stores.Participants.Exists(ctx, "c1", store.ParticipantAgent, "billing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestApplyDecisionsDispatchTaskArmsEarliestAlarm(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	sched := alarm.NewLocal()
	d := dispatch.New(stores, execfake.New(), coordfake.New(), peerfake.New(), sched, nil, nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	before := time.Now()
	out := d.ApplyDecisions(ctx, []planner.Decision{
		planner.DispatchTaskDecision{TurnID: turnID, ConversationID: "c1", ToolCallID: "call-1", TargetID: "slow-task"},
		planner.DispatchTaskDecision{TurnID: turnID, ConversationID: "c1", ToolCallID: "call-2", TargetID: "fast-task", TimeoutSeconds: 5},
	})
	require.Empty(t, out.Errors)
	d.Wait()

	at, ok, err := sched.GetAlarm(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok, "dispatch must arm the conversation alarm")

	// The armed deadline is the earlier of the two: the 5 s override, not the
	// 120 s default.
	armed := time.Unix(0, at)
	assert.WithinDuration(t, before.Add(5*time.Second), armed, 2*time.Second)
}
