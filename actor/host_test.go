package actor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convactor/turnflow/actor"
	coordfake "github.com/convactor/turnflow/coordinator/fake"
	"github.com/convactor/turnflow/definitions"
	definitionsfake "github.com/convactor/turnflow/definitions/fake"
	"github.com/convactor/turnflow/dispatch"
	execfake "github.com/convactor/turnflow/executor/fake"
	"github.com/convactor/turnflow/llmadapter"
	llmfake "github.com/convactor/turnflow/llmadapter/fake"
	"github.com/convactor/turnflow/loopdriver"
	peerfake "github.com/convactor/turnflow/peeragent/fake"
	"github.com/convactor/turnflow/peeragent/local"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/store/inmem"
	"github.com/convactor/turnflow/turnengine"
)

func newTestEngine(conversationID string) *turnengine.Engine {
	stores := dispatch.Stores{
		Turns:        inmem.NewTurnStore(nil),
		Messages:     inmem.NewMessageStore(nil),
		Moves:        inmem.NewMoveStore(nil),
		AsyncOps:     inmem.NewAsyncOpStore(nil),
		Participants: inmem.NewParticipantStore(nil),
	}
	coord := coordfake.New()
	disp := dispatch.New(stores, execfake.New(), coord, peerfake.New(), nil, nil, nil)
	llm := llmfake.New(llmadapter.Response{StopReason: llmadapter.StopEndTurn, Text: "done"})
	loop := loopdriver.New(llm, disp, stores.Turns, stores.AsyncOps, coord, "ctx-assembly", nil)

	return turnengine.New(turnengine.Config{
		ConversationID: conversationID,
		PersonaID:      "persona-1",
		Stores:         stores,
		Dispatcher:     disp,
		Loop:           loop,
		Definitions:    definitionsfake.New(definitions.Persona{ID: "persona-1"}),
		Coordinator:    coord,
	})
}

func TestHostStartTurnCreatesActorLazily(t *testing.T) {
	host := actor.NewHost(newTestEngine)

	turnID, err := host.StartTurn(context.Background(), "conv-1", "hello", store.CallerUser)
	require.NoError(t, err)
	assert.NotEmpty(t, turnID)
}

func TestHostReusesActorForSameConversation(t *testing.T) {
	var calls int
	factory := func(conversationID string) *turnengine.Engine {
		calls++
		return newTestEngine(conversationID)
	}
	host := actor.NewHost(factory)

	_, err := host.StartTurn(context.Background(), "conv-1", "first", store.CallerUser)
	require.NoError(t, err)
	_, err = host.StartTurn(context.Background(), "conv-1", "second", store.CallerUser)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "same conversationId must reuse the same actor")
}

// A delegate tool call driven through the real dispatcher/peeragent/host
// wiring: the child turn runs in a fresh conversation of its own, and its
// completion resumes the parent turn through HandleAgentResponse.
func TestHostDelegateRunsInFreshConversation(t *testing.T) {
	ctx := context.Background()

	// One scripted LLM shared by every conversation, in call order:
	// parent's first move, the child's reply, the parent's continuation.
	llm := llmfake.New(
		llmadapter.Response{
			StopReason: llmadapter.StopToolUse,
			ToolUses:   []planner.ToolUseBlock{{ToolCallID: "c1", ToolName: "delegate_billing", Input: []byte(`"review this invoice"`)}},
			RawContent: []byte(`[{"type":"tool_use","id":"c1","name":"delegate_billing","input":"review this invoice"}]`),
		},
		llmadapter.Response{StopReason: llmadapter.StopEndTurn, Text: "invoice looks fine"},
		llmadapter.Response{StopReason: llmadapter.StopEndTurn, Text: "done"},
	)
	coord := coordfake.New()
	persona := definitions.Persona{
		ID: "persona-1",
		Tools: []planner.ToolDef{
			{Name: "delegate_billing", TargetType: store.TargetAgent, TargetID: "billing-agent", AgentMode: planner.AgentModeDelegate},
		},
	}

	var host *actor.Host
	disps := make(map[string]*dispatch.Dispatcher)
	allStores := make(map[string]dispatch.Stores)
	factory := func(conversationID string) *turnengine.Engine {
		stores := dispatch.Stores{
			Turns:        inmem.NewTurnStore(nil),
			Messages:     inmem.NewMessageStore(nil),
			Moves:        inmem.NewMoveStore(nil),
			AsyncOps:     inmem.NewAsyncOpStore(nil),
			Participants: inmem.NewParticipantStore(nil),
		}
		disp := dispatch.New(stores, execfake.New(), coord, local.New(host), nil, nil, nil)
		disps[conversationID] = disp
		allStores[conversationID] = stores
		return turnengine.New(turnengine.Config{
			ConversationID: conversationID,
			PersonaID:      "persona-1",
			Stores:         stores,
			Dispatcher:     disp,
			Loop:           loopdriver.New(llm, disp, stores.Turns, stores.AsyncOps, coord, "ctx-assembly", nil),
			Definitions:    definitionsfake.New(persona),
			Coordinator:    coord,
			Router:         host,
		})
	}
	host = actor.NewHost(factory)

	parentTurn, err := host.StartTurn(ctx, "conv-parent", "have billing review this", store.CallerUser)
	require.NoError(t, err)
	require.NoError(t, host.HandleContextAssemblyResult(ctx, "conv-parent", parentTurn, "run-1", json.RawMessage(`[]`)))
	disps["conv-parent"].Wait()

	// The delegate dispatch started a child turn in a brand-new conversation;
	// its context-assembly run names it.
	require.Len(t, coord.Created, 2)
	childConv := coord.Created[1].Callback.ConversationID
	childTurn := coord.Created[1].Callback.TurnID
	assert.NotEqual(t, "conv-parent", childConv)
	assert.NotEqual(t, "billing-agent", childConv)

	require.NoError(t, host.HandleContextAssemblyResult(ctx, childConv, childTurn, "run-2", json.RawMessage(`[]`)))

	assert.Equal(t, 3, llm.CallCount(), "child completion must re-enter the parent's LLM loop")

	childTurnRow, found, err := allStores[childConv].Turns.Get(ctx, childTurn)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.TurnCompleted, childTurnRow.Status)

	parentTurnRow, found, err := allStores["conv-parent"].Turns.Get(ctx, parentTurn)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.TurnCompleted, parentTurnRow.Status)

	latest, found, err := allStores["conv-parent"].Moves.GetLatest(ctx, parentTurn)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, latest.ToolResult)
	assert.True(t, latest.ToolResult.Success)
}
