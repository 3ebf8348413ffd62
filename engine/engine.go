// Package engine defines the optional durable-execution binding for the
// agent loop. Running a loop iteration's reducer/sample/dispatch steps
// through this interface lets operators choose an in-memory, non-durable
// engine (the default, for a single process) or a durable engine such as
// Temporal that survives process crashes mid-run. Nothing in agentloop
// depends on a specific engine implementation.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/agentydragon/coreagent/telemetry"
)

// ErrWorkflowNotFound is returned by QueryRunStatus when no run with the
// given ID is known to the engine.
var ErrWorkflowNotFound = errors.New("engine: workflow not found")

// RunStatus tracks the lifecycle of a workflow execution as seen by the
// engine (distinct from session.RunStatus, which is the agent-level view
// persisted independently of which engine hosts the run).
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching the
	// agent loop.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Call before
		// starting any workflow with that name. Returns an error if the
		// name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition, invoked from
		// within a workflow via WorkflowContext.ExecuteActivity(Async).
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow begins a new workflow execution and returns a
		// handle for interacting with it. req.ID must be unique.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus reports the current lifecycle status of a run by
		// ID, returning ErrWorkflowNotFound if unknown.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. It must be deterministic:
	// the same inputs and activity results must always produce the same
	// execution sequence, since durable engines may replay it.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow.
	// Implementations must preserve deterministic replay: operations that
	// touch the engine (ExecuteActivity, SignalChannel, Now) must be
	// replay-safe. Direct I/O, randomness, or wall-clock reads inside a
	// workflow function violate this and must go through the context
	// instead.
	WorkflowContext interface {
		// Context returns the underlying Go context for cancellation
		// propagation and activity execution.
		Context() context.Context
		// WorkflowID returns the caller-supplied workflow identifier.
		WorkflowID() string
		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result,
		// decoding it into result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future resolved later via Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for the named signal, for
		// receiving external events (e.g. an approval decision) delivered
		// through the engine's signaling mechanism.
		SignalChannel(name string) SignalChannel

		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer

		// Now returns the current time in a replay-safe manner.
		Now() time.Time
	}

	// Future represents a pending activity result.
	Future interface {
		// Get blocks until the activity completes, decoding its result
		// into result. Safe to call more than once.
		Get(ctx context.Context, result any) error
		// IsReady reports whether Get will return without blocking.
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc performs a single activity invocation. Unlike workflow
	// functions, activities may perform side effects (I/O, sampling calls,
	// tool dispatch).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID          string
		Workflow    string
		TaskQueue   string
		Input       any
		RetryPolicy RetryPolicy
	}

	// ActivityRequest describes scheduling a single activity from within a
	// running workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, decoding its result
		// into result.
		Wait(ctx context.Context, result any) error
		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine applies its own
	// defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes workflow signal delivery in an engine-agnostic
	// way.
	SignalChannel interface {
		// Receive blocks until a signal is delivered and decodes it into
		// dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts a non-blocking receive, reporting whether
		// a value was delivered into dest.
		ReceiveAsync(dest any) bool
	}
)
