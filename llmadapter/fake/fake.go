// Package fake provides a scripted llmadapter.Adapter double for tests.
package fake

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/convactor/turnflow/llmadapter"
	"github.com/convactor/turnflow/planner"
)

// Adapter returns one scripted Response per call, in order. Calling past the
// end of Responses returns the last response repeatedly.
type Adapter struct {
	mu        sync.Mutex
	Responses []llmadapter.Response
	calls     int

	// Requests records every request's Messages/rawRequest payload, in order.
	Requests []json.RawMessage
}

// New constructs a scripted Adapter.
func New(responses ...llmadapter.Response) *Adapter {
	return &Adapter{Responses: responses}
}

func (a *Adapter) next(payload json.RawMessage) llmadapter.Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Requests = append(a.Requests, payload)
	if len(a.Responses) == 0 {
		a.calls++
		return llmadapter.Response{StopReason: llmadapter.StopEndTurn}
	}
	idx := a.calls
	if idx >= len(a.Responses) {
		idx = len(a.Responses) - 1
	}
	a.calls++
	return a.Responses[idx]
}

func (a *Adapter) CallLLM(_ context.Context, req llmadapter.Request, _ llmadapter.Credentials) (llmadapter.Response, error) {
	return a.next(req.Messages), nil
}

func (a *Adapter) CallLLMRaw(_ context.Context, rawRequest json.RawMessage, _ []planner.ResolvedTool, _ llmadapter.Credentials) (llmadapter.Response, error) {
	return a.next(rawRequest), nil
}

func (a *Adapter) CallLLMWithStreaming(ctx context.Context, req llmadapter.Request, creds llmadapter.Credentials, onToken llmadapter.OnToken) (llmadapter.Response, error) {
	resp := a.next(req.Messages)
	if onToken != nil && resp.Text != "" {
		onToken(resp.Text)
	}
	return resp, nil
}

// CallCount returns the number of calls made so far.
func (a *Adapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
