package infra_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/persistence"
	"github.com/agentydragon/coreagent/persistence/inmem"
	"github.com/agentydragon/coreagent/runtime/infra"
	"github.com/agentydragon/coreagent/session"
	sessioninmem "github.com/agentydragon/coreagent/session/inmem"
)

type fakeSidecar struct {
	name       string
	detachErr  error
	detachedAt *[]string
	mu         *sync.Mutex
}

func (f *fakeSidecar) Attach(context.Context, *infra.Infrastructure) error { return nil }

func (f *fakeSidecar) Detach(context.Context) error {
	f.mu.Lock()
	*f.detachedAt = append(*f.detachedAt, f.name)
	f.mu.Unlock()
	return f.detachErr
}

func newSidecar(name string, detachErr error, order *[]string, mu *sync.Mutex) *fakeSidecar {
	return &fakeSidecar{name: name, detachErr: detachErr, detachedAt: order, mu: mu}
}

func TestCloseDetachesSidecarsInReverseOrder(t *testing.T) {
	store := inmem.New()
	i := infra.New("agent-1", nil, nil, nil, store, nil)

	var mu sync.Mutex
	var order []string
	ctx := context.Background()
	require.NoError(t, i.AttachSidecar(ctx, newSidecar("a", nil, &order, &mu)))
	require.NoError(t, i.AttachSidecar(ctx, newSidecar("b", nil, &order, &mu)))
	require.NoError(t, i.AttachSidecar(ctx, newSidecar("c", nil, &order, &mu)))

	result := i.Close(ctx)
	assert.True(t, result.Drained)
	assert.Empty(t, result.Errs)
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestCloseCollectsEveryDetachFailure(t *testing.T) {
	store := inmem.New()
	i := infra.New("agent-1", nil, nil, nil, store, nil)

	var mu sync.Mutex
	var order []string
	ctx := context.Background()
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	require.NoError(t, i.AttachSidecar(ctx, newSidecar("a", errA, &order, &mu)))
	require.NoError(t, i.AttachSidecar(ctx, newSidecar("b", nil, &order, &mu)))
	require.NoError(t, i.AttachSidecar(ctx, newSidecar("c", errC, &order, &mu)))

	result := i.Close(ctx)
	assert.Len(t, result.Errs, 2)
	assert.ErrorIs(t, result.Errs[0], errC)
	assert.ErrorIs(t, result.Errs[1], errA)
}

func TestDrainJoinsEveryAppendFailure(t *testing.T) {
	store := &failingStore{failAfter: 2}
	i := infra.New("agent-1", nil, nil, nil, store, nil)

	ctx := context.Background()
	for n := 0; n < 5; n++ {
		i.RecordEvent(ctx, event.Event{Item: event.SystemText{Text: "note"}})
	}

	err := i.Drain()
	require.Error(t, err)
	assert.ErrorIs(t, err, errAppendFailed)
}

func TestDrainReturnsNilWhenEveryAppendSucceeds(t *testing.T) {
	store := inmem.New()
	i := infra.New("agent-1", nil, nil, nil, store, nil)

	ctx := context.Background()
	for n := 0; n < 3; n++ {
		i.RecordEvent(ctx, event.Event{Item: event.SystemText{Text: "note"}})
	}

	assert.NoError(t, i.Drain())
}

func TestStartRunCreatesSessionAndMarksRunRunning(t *testing.T) {
	store := inmem.New()
	sessions := sessioninmem.New()
	i := infra.New("agent-1", nil, nil, nil, store, sessions)

	ctx := context.Background()
	started := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	run, err := i.StartRun(ctx, "sess-1", "run-1", started)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", run.AgentID)
	assert.Equal(t, session.RunStatusRunning, run.Status)

	sess, err := sessions.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
}

func TestEndRunMarksFinalStatus(t *testing.T) {
	store := inmem.New()
	sessions := sessioninmem.New()
	i := infra.New("agent-1", nil, nil, nil, store, sessions)

	ctx := context.Background()
	started := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	_, err := i.StartRun(ctx, "sess-1", "run-1", started)
	require.NoError(t, err)

	require.NoError(t, i.EndRun(ctx, "run-1", session.RunStatusCompleted))

	run, err := sessions.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, session.RunStatusCompleted, run.Status)
}

func TestStartRunAndEndRunAreNoOpsWithoutASessionsStore(t *testing.T) {
	store := inmem.New()
	i := infra.New("agent-1", nil, nil, nil, store, nil)

	ctx := context.Background()
	run, err := i.StartRun(ctx, "sess-1", "run-1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, run)
	assert.NoError(t, i.EndRun(ctx, "run-1", session.RunStatusCompleted))
}

var errAppendFailed = errors.New("append failed")

type failingStore struct {
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *failingStore) Append(_ context.Context, _ string, ev event.Event) (persistence.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls > f.failAfter {
		return persistence.Record{}, errAppendFailed
	}
	return persistence.Record{}, nil
}

func (f *failingStore) List(context.Context, string, string, int) (persistence.Page, error) {
	return persistence.Page{}, nil
}
