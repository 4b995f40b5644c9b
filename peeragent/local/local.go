// Package local resolves peeragent.PeerAgent in-process against an
// actor.Host registry: the actor is addressed by params.ConversationID, so a
// loop_in lands on the caller's own conversation and a delegate lands on the
// fresh child conversation the dispatcher minted. A distributed deployment
// would swap this for an adapter that calls a peer service's StartTurn RPC
// instead, using agentName to route to the right service.
package local

import (
	"context"
	"encoding/json"

	"github.com/convactor/turnflow/actor"
	"github.com/convactor/turnflow/peeragent"
	"github.com/convactor/turnflow/turnengine"
)

// PeerAgent dispatches StartTurn calls to an in-process actor.Host.
type PeerAgent struct {
	host *actor.Host
}

// New constructs a PeerAgent backed by host.
func New(host *actor.Host) *PeerAgent {
	return &PeerAgent{host: host}
}

// StartTurn starts a turn on the actor registered under
// params.ConversationID (falling back to agentName when unset). Input is
// the tool call's argument payload; when it decodes as a JSON string that
// string is used as the user message verbatim, otherwise the raw JSON text
// is passed through so the peer's turn sees exactly what it was given. A
// delegate Callback becomes the child turn's _agentCallback envelope.
func (p *PeerAgent) StartTurn(ctx context.Context, agentName string, params peeragent.StartTurnParams) (string, error) {
	conversationID := params.ConversationID
	if conversationID == "" {
		conversationID = agentName
	}
	var userMessage string
	if err := json.Unmarshal(params.Input, &userMessage); err != nil {
		userMessage = string(params.Input)
	}
	if params.Callback == nil {
		return p.host.StartTurn(ctx, conversationID, userMessage, params.Caller)
	}
	return p.host.StartAgentCall(ctx, conversationID, turnengine.StartAgentCallParams{
		UserMessage: userMessage,
		Caller:      params.Caller,
		AgentCallback: &turnengine.AgentCallback{
			ConversationID: params.Callback.ConversationID,
			TurnID:         params.Callback.TurnID,
			ToolCallID:     params.Callback.ToolCallID,
		},
	})
}
