package turnengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/convactor/turnflow/store"
)

// rawMessage is the provider-native message envelope: role plus a content
// value that is either a plain block array or, for an assistant move, the
// move's rawContent verbatim.
type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// buildContinuationRequest deterministically rebuilds a provider-native LLM
// request from the store alone: the turn's single user message, then for each prior move
// that produced tool_use blocks, its rawContent verbatim followed by the
// grouped tool_result blocks for every tool call it made, and finally the
// tool_result block for the callback that just arrived. It must run before
// the callback's AsyncOpCompletedDecision is applied: freshToolCallID's own
// move has no persisted ToolResult yet, and oc carries that result instead.
func (e *Engine) buildContinuationRequest(ctx context.Context, turn store.Turn, freshToolCallID string, oc resultOutcome) (json.RawMessage, error) {
	var env turnInputEnvelope
	_ = json.Unmarshal(turn.Input, &env) // best-effort; Input predates this envelope shape only in malformed states

	moves, err := e.stores.Moves.GetForTurn(ctx, turn.ID)
	if err != nil {
		return nil, fmt.Errorf("load moves for turn %q: %w", turn.ID, err)
	}

	msgs := []rawMessage{{Role: "user", Content: textBlocks(env.UserMessage)}}

	for i := 0; i < len(moves); {
		mv := moves[i]
		if len(mv.RawContent) == 0 || mv.ToolCall == nil {
			i++
			continue
		}

		// Moves produced by the same LLM turn share byte-identical
		// rawContent and are recorded consecutively; group them so the
		// continuation has one assistant message per real LLM turn, not
		// one per tool call.
		group := []store.Move{mv}
		j := i + 1
		for j < len(moves) && bytes.Equal(moves[j].RawContent, mv.RawContent) {
			group = append(group, moves[j])
			j++
		}

		msgs = append(msgs, rawMessage{Role: "assistant", Content: mv.RawContent})

		var resultBlocks []json.RawMessage
		for _, g := range group {
			if g.ToolCall == nil {
				continue
			}
			switch {
			case g.ToolCall.ID == freshToolCallID:
				block, err := toolResultBlock(freshToolCallID, oc.success, oc.result, oc.errMsg)
				if err != nil {
					return nil, err
				}
				resultBlocks = append(resultBlocks, block)
			case g.ToolResult != nil:
				msg := ""
				if g.ToolResult.Error != nil {
					msg = g.ToolResult.Error.Message
				}
				block, err := toolResultBlock(g.ToolCall.ID, g.ToolResult.Success, g.ToolResult.Result, msg)
				if err != nil {
					return nil, err
				}
				resultBlocks = append(resultBlocks, block)
			}
			// A group member with neither condition has no known result yet
			// (still in flight); it is omitted and will appear in a later
			// continuation once its own callback arrives.
		}

		if len(resultBlocks) > 0 {
			content, err := json.Marshal(resultBlocks)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, rawMessage{Role: "user", Content: content})
		}

		i = j
	}

	return json.Marshal(msgs)
}

func textBlocks(text string) json.RawMessage {
	b, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	return b
}

func toolResultBlock(toolCallID string, success bool, result json.RawMessage, errMsg string) (json.RawMessage, error) {
	content := ""
	switch {
	case success && len(result) > 0:
		content = string(result)
	case !success:
		content = "Error: " + errMsg
	}
	return json.Marshal(map[string]any{
		"type":        "tool_result",
		"tool_use_id": toolCallID,
		"content":     content,
		"is_error":    !success,
	})
}
