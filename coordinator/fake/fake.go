// Package fake provides an in-process Coordinator double for tests.
package fake

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/convactor/turnflow/coordinator"
	"github.com/convactor/turnflow/internal/ids"
)

// Coordinator records every CreateRun/Start call without ever actually
// starting a workflow; tests drive the callback explicitly.
type Coordinator struct {
	mu       sync.Mutex
	Created  []coordinator.CreateRunParams
	Started  []string
	Completed []struct {
		Callback coordinator.Callback
		Result   json.RawMessage
	}

	CreateErr   error
	StartErr    error
	CompleteErr error
}

// New constructs an empty fake Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// CreateRun records params and returns a fresh sortable run id.
func (f *Coordinator) CreateRun(_ context.Context, params coordinator.CreateRunParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.Created = append(f.Created, params)
	return ids.New(), nil
}

// Start records the started run id.
func (f *Coordinator) Start(_ context.Context, workflowRunID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Started = append(f.Started, workflowRunID)
	return nil
}

// CompleteCallback records the resolved callback.
func (f *Coordinator) CompleteCallback(_ context.Context, cb coordinator.Callback, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CompleteErr != nil {
		return f.CompleteErr
	}
	f.Completed = append(f.Completed, struct {
		Callback coordinator.Callback
		Result   json.RawMessage
	}{cb, result})
	return nil
}
