// Package peeragent defines the peer-agent boundary consumed by the
// dispatcher for DISPATCH_AGENT: starting a turn on another
// agent's actor, identified by conversationId. peeragent/local resolves
// peers in-process through the actor.Host registry.
package peeragent

import (
	"context"

	"github.com/convactor/turnflow/store"
)

// Callback identifies the parent tool call a delegated peer turn must report
// back to on completion. It is embedded in the peer turn's input as the
// _agentCallback envelope; loop_in invocations carry none.
type Callback struct {
	ConversationID string
	TurnID         string
	ToolCallID     string
}

// StartTurnParams bundles the fields needed to start a turn on a peer actor.
// ConversationID is the conversation the turn runs in: the caller's own
// conversation for loop_in, a freshly minted child conversation for
// delegate.
type StartTurnParams struct {
	ConversationID string
	Input          []byte
	Caller         store.Caller
	Callback       *Callback
}

// PeerAgent starts a turn on another agent's actor. agentName names the
// agent that should serve the turn; the actor itself is addressed by
// params.ConversationID. Completion of the peer's turn invokes the parent's
// HandleAgentResponse out of band; this interface only covers the initial
// start call.
type PeerAgent interface {
	StartTurn(ctx context.Context, agentName string, params StartTurnParams) (turnID string, err error)
}
