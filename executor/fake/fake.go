// Package fake provides an in-process Executor double for tests: instead of
// running a task out-of-process, it records the call and lets the test
// drive the callback explicitly.
package fake

import (
	"context"
	"sync"

	"github.com/convactor/turnflow/executor"
)

// Executor records every ExecuteTaskForAgent call. Tests read Calls to
// simulate the corresponding handleTaskResult/handleTaskError callback.
type Executor struct {
	mu    sync.Mutex
	Calls []executor.TaskParams

	// Err, if set, is returned by every call instead of nil.
	Err error
}

// New constructs an empty fake Executor.
func New() *Executor {
	return &Executor{}
}

// ExecuteTaskForAgent records params and returns Err (nil by default).
func (f *Executor) ExecuteTaskForAgent(_ context.Context, params executor.TaskParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, params)
	return f.Err
}

// Last returns the most recent recorded call, or the zero value if none.
func (f *Executor) Last() executor.TaskParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Calls) == 0 {
		return executor.TaskParams{}
	}
	return f.Calls[len(f.Calls)-1]
}
