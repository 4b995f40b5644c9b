package planner

import (
	"encoding/json"
	"fmt"

	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/toolerrors"
)

// ToolUseBlock is one tool invocation request within an LLM response. The
// provider-native content of the whole response is kept verbatim in
// LLMResponse.RawContent so a later continuation can reproduce it.
type ToolUseBlock struct {
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
}

// LLMResponse is the provider-neutral shape of one LLM turn, after the
// adapter has decoded the provider's wire format.
type LLMResponse struct {
	Text       string
	ToolUses   []ToolUseBlock
	RawContent json.RawMessage
}

// InterpretResponseParams bundles the inputs to InterpretResponse.
type InterpretResponseParams struct {
	TurnID         string
	ConversationID string
	Response       LLMResponse
	ToolLookup     ToolLookup
}

// InterpretResponse turns one LLM response into decisions: an APPEND_MESSAGE
// for any text, and one dispatch or synthetic-failure decision per tool_use
// block.
func InterpretResponse(p InterpretResponseParams) Result {
	var res Result

	if p.Response.Text != "" {
		res.Decisions = append(res.Decisions, AppendMessageDecision{
			ConversationID: p.ConversationID,
			TurnID:         p.TurnID,
			Role:           store.RoleAgent,
			Content:        p.Response.Text,
		})
	}

	for _, tu := range p.Response.ToolUses {
		ct, known := p.ToolLookup[tu.ToolName]
		if !known {
			res.Decisions = append(res.Decisions, syntheticFailure(p.TurnID, tu.ToolCallID,
				store.ToolResultError{Code: toolerrors.CodeNotFound, Message: fmt.Sprintf("unknown tool %q", tu.ToolName), Retriable: false}))
			res.Events = append(res.Events, Event{Type: "tool.unknown", Payload: map[string]any{"tool": tu.ToolName}})
			continue
		}

		if violations := ct.validate(tu.Input); len(violations) > 0 {
			res.Decisions = append(res.Decisions, syntheticFailure(p.TurnID, tu.ToolCallID,
				store.ToolResultError{Code: toolerrors.CodeInvalidInput, Message: fmt.Sprintf("%v", violations), Retriable: false}))
			res.Events = append(res.Events, Event{Type: "tool.invalid_input", Payload: map[string]any{"tool": tu.ToolName, "violations": violations}})
			continue
		}

		mapped, err := mapInput(ct.def.InputMapping, tu.Input)
		if err != nil {
			res.Decisions = append(res.Decisions, syntheticFailure(p.TurnID, tu.ToolCallID,
				store.ToolResultError{Code: toolerrors.CodeInvalidInput, Message: err.Error(), Retriable: false}))
			continue
		}

		decision := dispatchDecisionFor(p.ConversationID, p.TurnID, tu, ct.def, mapped, p.Response.RawContent, p.Response.Text)
		res.Decisions = append(res.Decisions, decision)
	}

	return res
}

func syntheticFailure(turnID, toolCallID string, toolErr store.ToolResultError) AsyncOpCompletedDecision {
	return AsyncOpCompletedDecision{
		TurnID:     turnID,
		OpID:       toolCallID,
		ToolCallID: toolCallID,
		Success:    false,
		Error:      &toolErr,
	}
}

func dispatchDecisionFor(conversationID, turnID string, tu ToolUseBlock, def ToolDef, input, rawContent json.RawMessage, reasoning string) Decision {
	switch def.TargetType {
	case store.TargetWorkflow:
		return DispatchWorkflowDecision{
			TurnID: turnID, ConversationID: conversationID, ToolCallID: tu.ToolCallID,
			TargetID: def.TargetID, Input: input, RawContent: rawContent, Reasoning: reasoning,
			Async: def.Async, Retry: def.Retry, TimeoutSeconds: def.TimeoutSeconds,
		}
	case store.TargetAgent:
		mode := def.AgentMode
		if mode == "" {
			mode = AgentModeDelegate
		}
		return DispatchAgentDecision{
			TurnID: turnID, ConversationID: conversationID, ToolCallID: tu.ToolCallID,
			TargetAgentID: def.TargetID, Mode: mode, Input: input, RawContent: rawContent, Reasoning: reasoning,
			Async: def.Async, TimeoutSeconds: def.TimeoutSeconds,
		}
	default:
		return DispatchTaskDecision{
			TurnID: turnID, ConversationID: conversationID, ToolCallID: tu.ToolCallID,
			TargetID: def.TargetID, Input: input, RawContent: rawContent, Reasoning: reasoning,
			Async: def.Async, Retry: def.Retry, TimeoutSeconds: def.TimeoutSeconds,
		}
	}
}
