package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/engine"
	"github.com/agentydragon/coreagent/engine/inmem"
)

func TestStartWorkflowRunsHandlerAndReportsResult(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "greet",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			name, _ := input.(string)
			return "hello " + name, nil
		},
	}))

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "greet",
		Input:    "world",
	})
	require.NoError(t, err)

	var result string
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, "hello world", result)

	status, err := eng.QueryRunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCompleted, status)
}

func TestWorkflowExecutesActivityAndSurfacesItsResult(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			n, _ := input.(int)
			return n * 2, nil
		},
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
				Name:  "double",
				Input: input,
			}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-2",
		Workflow: "doubler",
		Input:    21,
	})
	require.NoError(t, err)

	var result int
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, 42, result)
}

func TestStartWorkflowRejectsUnregisteredName(t *testing.T) {
	eng := inmem.New()
	_, err := eng.StartWorkflow(context.Background(), engine.WorkflowStartRequest{
		ID:       "run-3",
		Workflow: "missing",
	})
	assert.Error(t, err)
}

func TestQueryRunStatusReportsUnknownRun(t *testing.T) {
	eng := inmem.New()
	_, err := eng.QueryRunStatus(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestSignalDeliversToWorkflowsSignalChannel(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waits_for_signal",
		Handler: func(wfCtx engine.WorkflowContext, _ any) (any, error) {
			var payload string
			if err := wfCtx.SignalChannel("approval").Receive(wfCtx.Context(), &payload); err != nil {
				return nil, err
			}
			received <- payload
			return nil, nil
		},
	}))

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-4", Workflow: "waits_for_signal"})
	require.NoError(t, err)
	require.NoError(t, handle.Signal(ctx, "approval", "approved"))

	select {
	case payload := <-received:
		assert.Equal(t, "approved", payload)
	case <-ctx.Done():
		t.Fatal("timed out waiting for signal delivery")
	}
	require.NoError(t, handle.Wait(ctx, nil))
}
