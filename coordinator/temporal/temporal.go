// Package temporal implements coordinator.Coordinator on top of the
// Temporal SDK: client.ExecuteWorkflow to start a run, client.SignalWorkflow
// to deliver a callback into a still-running workflow. This adapter only
// starts and signals runs; registering the workflow/activity code that
// interprets them is the workflow author's job.
package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.temporal.io/sdk/client"

	"github.com/convactor/turnflow/coordinator"
	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/telemetry"
)

// signalName is the fixed signal every workflow started by this coordinator
// must expect, carrying a delegated step's resolved result.
const signalName = "turnflowCallbackResult"

// Options configures the Coordinator.
type Options struct {
	// Client is a pre-configured Temporal client.
	Client client.Client
	// TaskQueue is the queue new workflow executions are started on.
	TaskQueue string
	// Workflow is the registered workflow type name Start executes.
	Workflow string
	Logger   telemetry.Logger
}

// runEnvelope is the payload handed to the workflow on start: its caller
// input plus the callback metadata it must echo back in any signal it
// expects resolved asynchronously.
type runEnvelope struct {
	Input    json.RawMessage     `json:"input"`
	Callback coordinator.Callback `json:"callback"`
}

// callbackSignal is the payload sent via SignalWorkflow to resolve a
// workflow node waiting on a delegated step, carrying the node id from the
// _workflowCallback envelope and the step's final result.
type callbackSignal struct {
	NodeID string          `json:"nodeId"`
	Result json.RawMessage `json:"result"`
}

type pendingRun struct {
	input    []byte
	callback coordinator.Callback
}

// Coordinator implements coordinator.Coordinator against a Temporal client.
type Coordinator struct {
	client    client.Client
	taskQueue string
	workflow  string
	logger    telemetry.Logger

	mu      sync.Mutex
	pending map[string]pendingRun
}

// New constructs a Coordinator from opts.
func New(opts Options) (*Coordinator, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal coordinator: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal coordinator: task queue is required")
	}
	if opts.Workflow == "" {
		return nil, fmt.Errorf("temporal coordinator: workflow name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Coordinator{
		client:    opts.Client,
		taskQueue: opts.TaskQueue,
		workflow:  opts.Workflow,
		logger:    logger,
		pending:   make(map[string]pendingRun),
	}, nil
}

// CreateRun stages a run's input and callback metadata and returns its
// workflow id: the callback's RunID when set, otherwise a fresh id. The run
// is not executed until Start is called with this id,
// matching the dispatcher's two-phase create-then-start decisions.
func (c *Coordinator) CreateRun(_ context.Context, params coordinator.CreateRunParams) (string, error) {
	workflowID := params.Callback.RunID
	if workflowID == "" {
		workflowID = params.WorkflowID + "-" + ids.New()
	}
	c.mu.Lock()
	c.pending[workflowID] = pendingRun{input: params.Input, callback: params.Callback}
	c.mu.Unlock()
	return workflowID, nil
}

// Start begins execution of the workflow run staged under workflowRunID.
func (c *Coordinator) Start(ctx context.Context, workflowRunID string) error {
	c.mu.Lock()
	run, ok := c.pending[workflowRunID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("temporal coordinator: run %q was not created", workflowRunID)
	}

	env := runEnvelope{Input: run.input, Callback: run.callback}
	opts := client.StartWorkflowOptions{
		ID:        workflowRunID,
		TaskQueue: c.taskQueue,
	}
	if _, err := c.client.ExecuteWorkflow(ctx, opts, c.workflow, env); err != nil {
		return fmt.Errorf("temporal coordinator: start run %q: %w", workflowRunID, err)
	}
	c.logger.Info(ctx, "temporal coordinator: run started", "runId", workflowRunID, "workflow", c.workflow)
	return nil
}

// CompleteCallback signals the workflow identified by cb.RunID with the
// delegated step's resolved result.
func (c *Coordinator) CompleteCallback(ctx context.Context, cb coordinator.Callback, result json.RawMessage) error {
	if cb.RunID == "" {
		return fmt.Errorf("temporal coordinator: callback has no run id")
	}
	payload := callbackSignal{NodeID: cb.NodeID, Result: result}
	if err := c.client.SignalWorkflow(ctx, cb.RunID, "", signalName, payload); err != nil {
		return fmt.Errorf("temporal coordinator: signal run %q: %w", cb.RunID, err)
	}
	return nil
}

// nopLogger discards every log call; used when Options.Logger is unset.
type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
