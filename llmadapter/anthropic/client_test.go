package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convactor/turnflow/llmadapter"
	"github.com/convactor/turnflow/planner"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func testCreds() llmadapter.Credentials {
	return llmadapter.Credentials{Model: "claude-sonnet-4-5", APIKey: "key"}
}

func TestCallLLMTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	cl, err := New(stub, 128)
	require.NoError(t, err)

	resp, err := cl.CallLLM(context.Background(), llmadapter.Request{
		Messages: json.RawMessage(`[{"role":"user","content":"hello"}]`),
	}, testCreds())
	require.NoError(t, err)

	assert.Equal(t, "world", resp.Text)
	assert.Equal(t, llmadapter.StopEndTurn, resp.StopReason)
	assert.Empty(t, resp.ToolUses)
	assert.Equal(t, int64(128), stub.lastParams.MaxTokens)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
}

func TestCallLLMToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ID: "t1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	cl, err := New(stub, 128)
	require.NoError(t, err)

	resp, err := cl.CallLLM(context.Background(), llmadapter.Request{
		Messages: json.RawMessage(`[{"role":"user","content":"search for x"}]`),
		Tools:    []planner.ResolvedTool{{Name: "search", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)}},
	}, testCreds())
	require.NoError(t, err)

	assert.Equal(t, "let me check", resp.Text)
	assert.Equal(t, llmadapter.StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolUses, 1)
	assert.Equal(t, "t1", resp.ToolUses[0].ToolCallID)
	assert.Equal(t, "search", resp.ToolUses[0].ToolName)
	assert.JSONEq(t, `{"q":"x"}`, string(resp.ToolUses[0].Input))
	require.Len(t, stub.lastParams.Tools, 1)

	// The full content list round-trips opaquely for continuations.
	assert.Contains(t, string(resp.RawContent), `"tool_use"`)
}

func TestCallLLMRawDecodesContinuation(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	cl, err := New(stub, 128)
	require.NoError(t, err)

	raw := json.RawMessage(`[
		{"role":"user","content":[{"type":"text","text":"search"}]},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"search","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}
	]`)
	resp, err := cl.CallLLMRaw(context.Background(), raw, nil, testCreds())
	require.NoError(t, err)

	assert.Equal(t, "done", resp.Text)
	require.Len(t, stub.lastParams.Messages, 3)
}

func TestCallLLMMissingModel(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, 128)
	require.NoError(t, err)

	_, err = cl.CallLLM(context.Background(), llmadapter.Request{
		Messages: json.RawMessage(`[{"role":"user","content":"hi"}]`),
	}, llmadapter.Credentials{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model identifier is required")
}

func streamEvent(t *testing.T, raw string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	var typed struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &typed))
	return ssestream.Event{Type: typed.Type, Data: json.RawMessage(raw)}
}

func TestCallLLMWithStreamingEmitsTokensAndAggregates(t *testing.T) {
	events := []ssestream.Event{
		streamEvent(t, `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":1,"output_tokens":0}}}`),
		streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`),
		streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		streamEvent(t, `{"type":"content_block_stop","index":0}`),
		streamEvent(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`),
		streamEvent(t, `{"type":"message_stop"}`),
	}
	stub := &stubMessagesClient{
		stream: ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil),
	}
	cl, err := New(stub, 128)
	require.NoError(t, err)

	var tokens []string
	resp, err := cl.CallLLMWithStreaming(context.Background(), llmadapter.Request{
		Messages: json.RawMessage(`[{"role":"user","content":"hi"}]`),
	}, testCreds(), func(text string) { tokens = append(tokens, text) })
	require.NoError(t, err)

	assert.Equal(t, []string{"hel", "lo"}, tokens)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, llmadapter.StopEndTurn, resp.StopReason)
}
