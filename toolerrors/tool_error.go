// Package toolerrors provides the structured error type for tool invocation
// failures. A ToolError carries a taxonomy code, preserves causal chains
// through errors.Is/As, and stays stable across serialization for
// callback/continuation payloads.
package toolerrors

import (
	"errors"
	"fmt"
)

// Code categorizes a tool failure for planner/dispatcher decision making.
// The taxonomy is closed; new codes should be added here, not invented
// ad hoc by callers.
type Code string

const (
	// CodeExecutionFailed indicates the upstream task/workflow raised.
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	// CodeTimeout indicates an AsyncOp deadline elapsed. Always retriable.
	CodeTimeout Code = "TIMEOUT"
	// CodeNotFound indicates the LLM referenced an unknown tool.
	CodeNotFound Code = "NOT_FOUND"
	// CodePermissionDenied is reserved for policy enforcement above this engine.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeInvalidInput indicates the tool input failed JSON-Schema validation.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeAgentDeclined indicates a peer agent reported failure.
	CodeAgentDeclined Code = "AGENT_DECLINED"
	// CodeInternal indicates the engine itself raised.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Retriable reports whether the engine's default policy treats this code as
// retriable. TIMEOUT is the only code that is retriable by default; callers
// may still override with an explicit retry config.
func (c Code) Retriable() bool {
	return c == CodeTimeout
}

// ToolError is a coded tool failure. Tool errors may nest via Cause to
// retain diagnostics across retries and continuation hops; only the head
// of the chain needs a Code.
type ToolError struct {
	// Code classifies the failure. Empty means uncategorized.
	Code Code
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, enabling chains via Unwrap.
	Cause *ToolError
}

// New constructs a coded ToolError.
func New(code Code, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Code: code, Message: message}
}

// Newf constructs a coded ToolError from a format string.
func Newf(code Code, format string, args ...any) *ToolError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap annotates cause with a code and message. The cause is converted into
// a ToolError chain so it survives serialization while still supporting
// errors.Is/As through Unwrap.
func Wrap(code Code, message string, cause error) *ToolError {
	e := New(code, message)
	if message == "" && cause != nil {
		e.Message = cause.Error()
	}
	e.Cause = FromError(cause)
	return e
}

// FromError converts an arbitrary error into a ToolError chain. An existing
// ToolError anywhere in err's chain is returned as-is, keeping its original
// code; anything else becomes an INTERNAL_ERROR-coded head over the
// converted remainder of the chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Code:    CodeInternal,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements the error interface, prefixing the message with the code
// so logs and tool_result payloads carry the classification.
func (e *ToolError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Code == "":
		return e.Message
	default:
		return string(e.Code) + ": " + e.Message
	}
}

// Unwrap returns the underlying tool error to support errors.Is/As. A nil
// or leaf receiver unwraps to nothing rather than a typed-nil error.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
