// Package llmadapter defines the LLM boundary consumed by the loop
// driver: issuing a provider call and decoding its response into the
// planner's provider-neutral shape. llmadapter/anthropic wraps
// anthropic-sdk-go; llmadapter/fake serves tests.
package llmadapter

import (
	"context"
	"encoding/json"

	"github.com/convactor/turnflow/planner"
)

// StopReason mirrors the provider's reason for ending a turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Request carries a provider-neutral LLM call.
type Request struct {
	// Messages is the full conversation, system prompt included, in the
	// provider's expected role/content shape. Opaque to everything above
	// this package except for the rawContent round-trip.
	Messages json.RawMessage
	Tools    []planner.ResolvedTool
}

// Credentials bundles the provider API key/endpoint for one call. Kept
// separate from Request so the same request can be replayed against a
// different credential set (e.g. BYOK routing).
type Credentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Response is the decoded, provider-neutral result of one LLM call.
type Response struct {
	Text       string
	ToolUses   []planner.ToolUseBlock
	StopReason StopReason
	RawContent json.RawMessage
}

// OnToken is invoked once per streamed token/chunk of text.
type OnToken func(text string)

// Adapter issues calls to a concrete LLM provider.
type Adapter interface {
	CallLLM(ctx context.Context, req Request, creds Credentials) (Response, error)
	// CallLLMRaw bypasses Request shaping for a continuation call whose
	// messages were already assembled verbatim from persisted rawContent.
	CallLLMRaw(ctx context.Context, rawRequest json.RawMessage, tools []planner.ResolvedTool, creds Credentials) (Response, error)
	CallLLMWithStreaming(ctx context.Context, req Request, creds Credentials, onToken OnToken) (Response, error)
}
