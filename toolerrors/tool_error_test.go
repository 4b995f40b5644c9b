package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsMessage(t *testing.T) {
	e := New(CodeInternal, "")
	assert.Equal(t, "tool error", e.Message)
	assert.Equal(t, CodeInternal, e.Code)
}

func TestErrorIncludesCode(t *testing.T) {
	assert.Equal(t, "TIMEOUT: deadline exceeded", New(CodeTimeout, "deadline exceeded").Error())
	assert.Equal(t, "just a message", (&ToolError{Message: "just a message"}).Error())
}

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(CodeExecutionFailed, "tool failed", base)

	var te *ToolError
	require.True(t, errors.As(wrapped, &te))
	assert.Equal(t, CodeExecutionFailed, te.Code)
	assert.Equal(t, "tool failed", te.Message)
	require.NotNil(t, te.Cause)
	assert.Equal(t, "boom", te.Cause.Message)
}

func TestFromErrorIdempotentOnToolError(t *testing.T) {
	original := New(CodeTimeout, "deadline exceeded")
	got := FromError(original)
	assert.Same(t, original, got)
}

func TestFromErrorFindsToolErrorThroughWrapping(t *testing.T) {
	inner := New(CodeNotFound, "no such tool")
	wrapped := fmt.Errorf("dispatch: %w", inner)
	got := FromError(wrapped)
	assert.Same(t, inner, got, "an existing ToolError keeps its original code")
}

func TestFromErrorTagsForeignErrorsInternal(t *testing.T) {
	got := FromError(errors.New("boom"))
	require.NotNil(t, got)
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, "boom", got.Message)
}

func TestCodeRetriable(t *testing.T) {
	assert.True(t, CodeTimeout.Retriable())
	assert.False(t, CodeNotFound.Retriable())
	assert.False(t, CodeInvalidInput.Retriable())
}

func TestNilToolErrorIsSafe(t *testing.T) {
	var e *ToolError
	assert.Equal(t, "", e.Error())
	assert.Nil(t, e.Unwrap())
}

func TestLeafUnwrapsToNil(t *testing.T) {
	assert.Nil(t, errors.Unwrap(New(CodeTimeout, "x")))
}
