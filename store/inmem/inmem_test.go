package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/store/inmem"
	"github.com/convactor/turnflow/toolerrors"
)

func TestTurnLifecycle(t *testing.T) {
	ctx := context.Background()
	turns := inmem.NewTurnStore(nil)

	id, err := turns.Create(ctx, "conv-1", store.CallerUser, []byte(`{"q":"hi"}`))
	require.NoError(t, err)

	active, err := turns.GetActive(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.TurnActive, active[0].Status)

	ok, err := turns.Complete(ctx, id, &store.TurnIssues{ToolFailures: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, err := turns.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.TurnCompleted, got.Status)
	assert.Equal(t, 2, got.ToolFailures)

	// Terminal idempotence: re-terminating returns false and leaves state unchanged.
	ok, err = turns.Complete(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = turns.Fail(ctx, id, "INTERNAL_ERROR", "boom")
	require.NoError(t, err)
	assert.False(t, ok)

	got2, _, _ := turns.Get(ctx, id)
	assert.Equal(t, got, got2)
}

func TestMoveSequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	moves := inmem.NewMoveStore(nil)

	for i := 0; i < 5; i++ {
		seq, _, err := moves.Record(ctx, store.RecordMoveParams{TurnID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}

	all, err := moves.GetForTurn(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, i, m.Sequence)
	}
}

func TestMoveRecordResultMatchesByToolCallID(t *testing.T) {
	ctx := context.Background()
	moves := inmem.NewMoveStore(nil)

	_, _, err := moves.Record(ctx, store.RecordMoveParams{
		TurnID:   "t1",
		ToolCall: &store.MoveToolCall{ID: "c1", ToolID: "search"},
	})
	require.NoError(t, err)

	ok, err := moves.RecordResult(ctx, "t1", "c1", store.MoveToolResult{Success: true, Result: []byte(`"ok"`)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = moves.RecordResult(ctx, "t1", "missing", store.MoveToolResult{Success: true})
	require.NoError(t, err)
	assert.False(t, ok)

	latest, found, err := moves.GetLatest(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, latest.ToolResult)
	assert.True(t, latest.ToolResult.Success)
}

func TestAsyncOpUniquenessAndLifecycle(t *testing.T) {
	ctx := context.Background()
	ops := inmem.NewAsyncOpStore(nil)

	require.NoError(t, ops.Track(ctx, store.TrackAsyncOpParams{OpID: "c1", TurnID: "t1", TargetType: store.TargetTask}))

	// Tracking twice does not create a second row: at-most-one AsyncOp per toolCall id.
	require.NoError(t, ops.Track(ctx, store.TrackAsyncOpParams{OpID: "c1", TurnID: "t1", TargetType: store.TargetTask}))
	op, found, err := ops.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.OpPending, op.Status)

	require.NoError(t, ops.MarkWaiting(ctx, "t1", "c1"))
	waiting, err := ops.HasWaiting(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, waiting)

	ok, err := ops.Complete(ctx, "c1", []byte(`"result"`))
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal idempotence for AsyncOp: complete/fail after terminal both fail.
	ok, err = ops.Complete(ctx, "c1", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ops.Fail(ctx, "c1", store.ToolResultError{Code: toolerrors.CodeTimeout})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAsyncOpMarkWaitingInsertsFreshRowWhenMissing(t *testing.T) {
	ctx := context.Background()
	ops := inmem.NewAsyncOpStore(nil)

	require.NoError(t, ops.MarkWaiting(ctx, "t1", "c-never-tracked"))
	op, found, err := ops.Get(ctx, "c-never-tracked")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.OpWaiting, op.Status)
}

func TestAsyncOpEarliestDeadline(t *testing.T) {
	ctx := context.Background()
	ops := inmem.NewAsyncOpStore(nil)

	now := time.Now().UTC()
	require.NoError(t, ops.Track(ctx, store.TrackAsyncOpParams{OpID: "a", TurnID: "t1", TimeoutAt: now.Add(time.Minute)}))
	require.NoError(t, ops.Track(ctx, store.TrackAsyncOpParams{OpID: "b", TurnID: "t1", TimeoutAt: now.Add(time.Second)}))
	require.NoError(t, ops.Track(ctx, store.TrackAsyncOpParams{OpID: "c", TurnID: "t1", TimeoutAt: now.Add(time.Hour)}))

	earliest, found, err := ops.GetEarliestTimeout(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, now.Add(time.Second), earliest)

	_, err = ops.Complete(ctx, "b", nil)
	require.NoError(t, err)

	earliest, found, err = ops.GetEarliestTimeout(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, now.Add(time.Minute), earliest)
}

func TestParticipantSetSemantics(t *testing.T) {
	ctx := context.Background()
	parts := inmem.NewParticipantStore(nil)

	id, added, err := parts.Add(ctx, store.Participant{ConversationID: "c1", ParticipantType: store.ParticipantAgent, ParticipantID: "a1"})
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotEmpty(t, id)

	_, added, err = parts.Add(ctx, store.Participant{ConversationID: "c1", ParticipantType: store.ParticipantAgent, ParticipantID: "a1"})
	require.NoError(t, err)
	assert.False(t, added)

	exists, err := parts.Exists(ctx, "c1", store.ParticipantAgent, "a1")
	require.NoError(t, err)
	assert.True(t, exists)
}
