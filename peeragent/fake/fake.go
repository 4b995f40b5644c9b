// Package fake provides an in-process PeerAgent double for tests.
package fake

import (
	"context"
	"sync"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/peeragent"
)

// PeerAgent records every StartTurn call.
type PeerAgent struct {
	mu    sync.Mutex
	Calls []struct {
		AgentName string
		Params    peeragent.StartTurnParams
	}
	Err error
}

// New constructs an empty fake PeerAgent.
func New() *PeerAgent {
	return &PeerAgent{}
}

// StartTurn records the call and returns a fresh sortable turn id.
func (f *PeerAgent) StartTurn(_ context.Context, agentName string, params peeragent.StartTurnParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.Calls = append(f.Calls, struct {
		AgentName string
		Params    peeragent.StartTurnParams
	}{agentName, params})
	return ids.New(), nil
}
