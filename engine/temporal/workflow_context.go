package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/workflow"

	"github.com/agentydragon/coreagent/engine"
	"github.com/agentydragon/coreagent/telemetry"
)

type (
	workflowContext struct {
		engine *Engine
		ctx    workflow.Context
		id     string
		runID  string
	}

	workflowFuture struct {
		future workflow.Future
		ctx    workflow.Context
	}

	signalChannel struct {
		ctx workflow.Context
		ch  workflow.ReceiveChannel
	}

	workflowHandle struct {
		run    client.WorkflowRun
		client client.Client
	}
)

// newWorkflowContext adapts a Temporal workflow.Context into this module's
// engine.WorkflowContext.
func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine: e,
		ctx:    ctx,
		id:     info.WorkflowExecution.ID,
		runID:  info.WorkflowExecution.RunID,
	}
}

func (w *workflowContext) Context() context.Context {
	return context.Background()
}

func (w *workflowContext) WorkflowID() string { return w.id }
func (w *workflowContext) RunID() string      { return w.runID }

func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.engine.tracer }
func (w *workflowContext) Now() time.Time             { return workflow.Now(w.ctx) }

func (w *workflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	return workflow.ExecuteActivity(actx, req.Name, req.Input).Get(actx, result)
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &workflowFuture{future: fut, ctx: actx}, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (w *workflowContext) activityOptionsFor(req engine.ActivityRequest) workflow.ActivityOptions {
	queue := req.Queue
	if queue == "" {
		queue = w.engine.taskQueue
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return workflow.ActivityOptions{
		ScheduleToStartTimeout: timeout,
		StartToCloseTimeout:    timeout,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(req.RetryPolicy),
	}
}

func (f *workflowFuture) Get(_ context.Context, result any) error {
	return f.future.Get(f.ctx, result)
}

func (f *workflowFuture) IsReady() bool { return f.future.IsReady() }

func (s *signalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
