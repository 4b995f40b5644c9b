package loopdriver_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coordfake "github.com/convactor/turnflow/coordinator/fake"
	"github.com/convactor/turnflow/dispatch"
	execfake "github.com/convactor/turnflow/executor/fake"
	"github.com/convactor/turnflow/llmadapter"
	llmfake "github.com/convactor/turnflow/llmadapter/fake"
	"github.com/convactor/turnflow/loopdriver"
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

func TestRunLLMLoopTextOnlyReportsNotWaiting(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	coord := coordfake.New()
	disp := dispatch.New(stores, execfake.New(), coord, nil, nil, nil, nil)
	llm := llmfake.New(llmadapter.Response{StopReason: llmadapter.StopEndTurn, Text: "hello"})
	driver := loopdriver.New(llm, disp, stores.Turns, stores.AsyncOps, coord, "ctx-assembly", nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	res, err := driver.RunLLMLoop(ctx, loopdriver.RunParams{
		TurnID: turnID, ConversationID: "c1", RawRequest: json.RawMessage(`[]`),
	})
	require.NoError(t, err)
	assert.False(t, res.WaitingForSync)
	assert.Equal(t, 0, res.PendingAsyncOps)

	msgs, err := stores.Messages.GetForTurn(ctx, turnID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestRunLLMLoopSyncToolReportsWaiting(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	coord := coordfake.New()
	exec := execfake.New()
	disp := dispatch.New(stores, exec, coord, nil, nil, nil, nil)
	llm := llmfake.New(llmadapter.Response{
		StopReason: llmadapter.StopToolUse,
		ToolUses:   []planner.ToolUseBlock{{ToolCallID: "c1", ToolName: "search", Input: []byte(`{}`)}},
	})
	driver := loopdriver.New(llm, disp, stores.Turns, stores.AsyncOps, coord, "ctx-assembly", nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	_, lookup, err := planner.ResolveTools([]planner.ToolDef{
		{Name: "search", TargetType: store.TargetTask, TargetID: "search-task"},
	})
	require.NoError(t, err)

	res, err := driver.RunLLMLoop(ctx, loopdriver.RunParams{
		TurnID: turnID, ConversationID: "c1", RawRequest: json.RawMessage(`[]`), ToolLookup: lookup,
	})
	require.NoError(t, err)
	disp.Wait()

	assert.True(t, res.WaitingForSync)
	assert.Equal(t, 1, res.PendingAsyncOps)
	require.Len(t, exec.Calls, 1)
}

func TestRunLLMLoopAsyncToolDoesNotWait(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	coord := coordfake.New()
	disp := dispatch.New(stores, execfake.New(), coord, nil, nil, nil, nil)
	llm := llmfake.New(llmadapter.Response{
		StopReason: llmadapter.StopToolUse,
		ToolUses:   []planner.ToolUseBlock{{ToolCallID: "c1", ToolName: "research", Input: []byte(`{}`)}},
	})
	driver := loopdriver.New(llm, disp, stores.Turns, stores.AsyncOps, coord, "ctx-assembly", nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	_, lookup, err := planner.ResolveTools([]planner.ToolDef{
		{Name: "research", TargetType: store.TargetWorkflow, TargetID: "research-workflow", Async: true},
	})
	require.NoError(t, err)

	res, err := driver.RunLLMLoop(ctx, loopdriver.RunParams{
		TurnID: turnID, ConversationID: "c1", RawRequest: json.RawMessage(`[]`), ToolLookup: lookup,
	})
	require.NoError(t, err)
	disp.Wait()

	assert.False(t, res.WaitingForSync)
	assert.Equal(t, 1, res.PendingAsyncOps)
}

func TestDispatchContextAssemblyCreatesAndStartsRun(t *testing.T) {
	ctx := context.Background()
	stores := newStores()
	coord := coordfake.New()
	disp := dispatch.New(stores, execfake.New(), coord, nil, nil, nil, nil)
	llm := llmfake.New()
	driver := loopdriver.New(llm, disp, stores.Turns, stores.AsyncOps, coord, "ctx-assembly-workflow", nil)

	turnID, err := stores.Turns.Create(ctx, "c1", store.CallerUser, nil)
	require.NoError(t, err)

	require.NoError(t, driver.DispatchContextAssembly(ctx, loopdriver.ContextAssemblyParams{
		TurnID: turnID, ConversationID: "c1", UserMessage: "hi",
		ModelProfileID: "profile-1",
		Tools:          []planner.ToolDef{{Name: "search", TargetType: store.TargetTask, TargetID: "search-task"}},
	}))

	require.Len(t, coord.Created, 1)
	assert.Equal(t, "ctx-assembly-workflow", coord.Created[0].WorkflowID)
	assert.Equal(t, "context_assembly", coord.Created[0].Callback.Type)
	assert.Equal(t, turnID, coord.Created[0].Callback.TurnID)
	require.Len(t, coord.Started, 1)

	var input loopdriver.ContextAssemblyInput
	require.NoError(t, json.Unmarshal(coord.Created[0].Input, &input))
	assert.Equal(t, "hi", input.UserMessage)
	assert.Equal(t, "profile-1", input.ModelProfileID)
	assert.Equal(t, []string{"search"}, input.ToolIDs)
	require.Len(t, input.RecentTurns, 1)
	assert.Equal(t, turnID, input.RecentTurns[0].ID)
	// The dispatching turn itself is excluded from the active-turn snapshot.
	assert.Empty(t, input.ActiveTurns)

	turn, found, err := stores.Turns.Get(ctx, turnID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, coord.Created[0].Callback.TurnID, turn.ID)
	assert.NotEmpty(t, turn.ContextAssemblyRunID, "run must be linked to the turn at dispatch time")
}
