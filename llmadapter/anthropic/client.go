// Package anthropic implements llmadapter.Adapter on top of the Anthropic
// Claude Messages API, translating requests into sdk.MessageNewParams and
// decoding sdk.Message responses.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/convactor/turnflow/llmadapter"
	"github.com/convactor/turnflow/planner"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements llmadapter.Adapter over the Anthropic Messages API.
type Client struct {
	msg       MessagesClient
	maxTokens int64
}

// New builds a Client from an Anthropic Messages client.
func New(msg MessagesClient, maxTokens int64) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP client.
func NewFromAPIKey(apiKey string, maxTokens int64) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, maxTokens)
}

var _ llmadapter.Adapter = (*Client)(nil)

// CallLLM issues a fresh Messages.New call from a planner-shaped request.
func (c *Client) CallLLM(ctx context.Context, req llmadapter.Request, creds llmadapter.Credentials) (llmadapter.Response, error) {
	var msgs []sdk.MessageParam
	if err := json.Unmarshal(req.Messages, &msgs); err != nil {
		return llmadapter.Response{}, fmt.Errorf("anthropic: decode messages: %w", err)
	}
	return c.call(ctx, msgs, req.Tools, creds)
}

// CallLLMRaw issues a Messages.New call from a verbatim, already-assembled
// message list (a continuation request rebuilt from persisted rawContent).
func (c *Client) CallLLMRaw(ctx context.Context, rawRequest json.RawMessage, tools []planner.ResolvedTool, creds llmadapter.Credentials) (llmadapter.Response, error) {
	var msgs []sdk.MessageParam
	if err := json.Unmarshal(rawRequest, &msgs); err != nil {
		return llmadapter.Response{}, fmt.Errorf("anthropic: decode raw request: %w", err)
	}
	return c.call(ctx, msgs, tools, creds)
}

// CallLLMWithStreaming invokes Messages.NewStreaming, feeding each text
// delta to onToken as it arrives and accumulating the full message so the
// aggregated Response is identical to a non-streaming call's.
func (c *Client) CallLLMWithStreaming(ctx context.Context, req llmadapter.Request, creds llmadapter.Credentials, onToken llmadapter.OnToken) (llmadapter.Response, error) {
	var msgs []sdk.MessageParam
	if err := json.Unmarshal(req.Messages, &msgs); err != nil {
		return llmadapter.Response{}, fmt.Errorf("anthropic: decode messages: %w", err)
	}
	params, opts, err := buildParams(msgs, req.Tools, creds, c.maxTokens)
	if err != nil {
		return llmadapter.Response{}, err
	}

	stream := c.msg.NewStreaming(ctx, params, opts...)
	defer func() { _ = stream.Close() }()

	var acc sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return llmadapter.Response{}, fmt.Errorf("anthropic: accumulate stream event: %w", err)
		}
		if onToken == nil {
			continue
		}
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				onToken(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return llmadapter.Response{}, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return translateResponse(&acc)
}

func (c *Client) call(ctx context.Context, msgs []sdk.MessageParam, tools []planner.ResolvedTool, creds llmadapter.Credentials) (llmadapter.Response, error) {
	params, opts, err := buildParams(msgs, tools, creds, c.maxTokens)
	if err != nil {
		return llmadapter.Response{}, err
	}
	msg, err := c.msg.New(ctx, params, opts...)
	if err != nil {
		return llmadapter.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func buildParams(msgs []sdk.MessageParam, tools []planner.ResolvedTool, creds llmadapter.Credentials, maxTokens int64) (sdk.MessageNewParams, []option.RequestOption, error) {
	model := creds.Model
	if model == "" {
		return sdk.MessageNewParams{}, nil, errors.New("anthropic: model identifier is required")
	}
	params := sdk.MessageNewParams{
		MaxTokens: maxTokens,
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	encoded, err := encodeTools(tools)
	if err != nil {
		return sdk.MessageNewParams{}, nil, err
	}
	if len(encoded) > 0 {
		params.Tools = encoded
	}

	opts := []option.RequestOption{}
	if creds.APIKey != "" {
		opts = append(opts, option.WithAPIKey(creds.APIKey))
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	return params, opts, nil
}

func encodeTools(tools []planner.ResolvedTool) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: decode input schema for tool %q: %w", t.Name, err)
			}
		}
		out = append(out, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				InputSchema: sdk.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			},
		})
	}
	return out, nil
}

func translateResponse(msg *sdk.Message) (llmadapter.Response, error) {
	var resp llmadapter.Response
	if msg == nil {
		return resp, errors.New("anthropic: response message is nil")
	}
	rawContent, err := json.Marshal(msg.Content)
	if err != nil {
		return resp, fmt.Errorf("anthropic: marshal raw content: %w", err)
	}
	resp.RawContent = rawContent

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolUses = append(resp.ToolUses, planner.ToolUseBlock{
				ToolCallID: block.ID,
				ToolName:   block.Name,
				Input:      block.Input,
			})
		}
	}

	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		resp.StopReason = llmadapter.StopToolUse
	case sdk.StopReasonMaxTokens:
		resp.StopReason = llmadapter.StopMaxTokens
	default:
		resp.StopReason = llmadapter.StopEndTurn
	}
	return resp, nil
}
