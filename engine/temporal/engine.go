// Package temporal provides a durable Engine binding backed by Temporal,
// for operators who need mid-run crash recovery. It is a thin adapter, not
// the default: engine/inmem remains the default, non-durable engine for a
// single process.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/agentydragon/coreagent/engine"
	"github.com/agentydragon/coreagent/telemetry"
)

// Options configures the Temporal engine adapter. Either Client or
// ClientOptions must be provided.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, New creates one
	// lazily from ClientOptions.
	Client client.Client
	// ClientOptions configures a new client when Client is nil.
	ClientOptions client.Options
	// TaskQueue is the single task queue this engine's worker polls.
	TaskQueue string
	// WorkerOptions is passed through to worker.New.
	WorkerOptions worker.Options
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend, with a single worker polling a single task queue.
type Engine struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	worker      worker.Worker

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu        sync.Mutex
	started   bool
	workflows map[string]engine.WorkflowDefinition
}

// New constructs a Temporal engine adapter bound to a single task queue.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("engine/temporal: task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		clientOpts := opts.ClientOptions
		if !opts.DisableTracing {
			interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("engine/temporal: configure tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, interceptor)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("engine/temporal: create client: %w", err)
		}
		closeClient = true
	}

	return &Engine{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   opts.TaskQueue,
		worker:      worker.New(cli, opts.TaskQueue, opts.WorkerOptions),
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		workflows:   make(map[string]engine.WorkflowDefinition),
	}, nil
}

// RegisterWorkflow registers def with the Temporal worker. Call before
// StartWorker.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("engine/temporal: invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("engine/temporal: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def

	e.worker.RegisterWorkflowWithOptions(func(tctx workflow.Context, input any) (any, error) {
		wfCtx := newWorkflowContext(e, tctx)
		return def.Handler(wfCtx, input)
	}, workflow.RegisterOptions{Name: def.Name})
	return nil
}

// RegisterActivity registers def with the Temporal worker. Call before
// StartWorker.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("engine/temporal: invalid activity definition")
	}
	e.worker.RegisterActivityWithOptions(func(ctx context.Context, input any) (any, error) {
		return def.Handler(ctx, input)
	}, activity.RegisterOptions{Name: def.Name})
	return nil
}

// StartWorker begins polling the task queue. Call after registering every
// workflow and activity the engine will host.
func (e *Engine) StartWorker() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true
	go func() {
		if err := e.worker.Run(worker.InterruptCh()); err != nil {
			e.logger.Error(context.Background(), "temporal worker exited", "err", err)
		}
	}()
	return nil
}

// StartWorkflow launches a new durable workflow execution.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("engine/temporal: workflow name is required")
	}
	queue := req.TaskQueue
	if queue == "" {
		queue = e.taskQueue
	}
	startOpts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		startOpts.RetryPolicy = rp
	}
	run, err := e.client.ExecuteWorkflow(ctx, startOpts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("engine/temporal: start workflow %q: %w", req.Workflow, err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// QueryRunStatus describes the execution's status by querying Temporal's
// workflow describe API.
func (e *Engine) QueryRunStatus(ctx context.Context, runID string) (engine.RunStatus, error) {
	desc, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return "", fmt.Errorf("%w: %w", engine.ErrWorkflowNotFound, err)
	}
	switch desc.GetWorkflowExecutionInfo().GetStatus().String() {
	case "Completed":
		return engine.RunStatusCompleted, nil
	case "Failed", "Terminated", "TimedOut":
		return engine.RunStatusFailed, nil
	case "Canceled":
		return engine.RunStatusCanceled, nil
	default:
		return engine.RunStatusRunning, nil
	}
}

// Close gracefully stops the worker and closes the client if this engine
// created it.
func (e *Engine) Close() {
	e.worker.Stop()
	if e.closeClient {
		e.client.Close()
	}
}

func convertRetryPolicy(rp engine.RetryPolicy) *temporal.RetryPolicy {
	if rp == (engine.RetryPolicy{}) {
		return nil
	}
	return &temporal.RetryPolicy{
		InitialInterval:    rp.InitialInterval,
		BackoffCoefficient: rp.BackoffCoefficient,
		MaximumAttempts:    int32(rp.MaxAttempts),
	}
}
