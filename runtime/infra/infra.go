// Package infra wires the core collaborators — compositor, policy gateway,
// notifications buffer, and persistence store — into one Infrastructure
// value, and provides the sidecar attachment point optional add-ons (a UI
// bridge, a chat relay, loop-control hooks) use without coupling to the
// core. It also owns the fire-and-forget persistence append path: handlers
// record events by spawning a goroutine per append and Drain joins every
// in-flight one.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentydragon/coreagent/compositor"
	"github.com/agentydragon/coreagent/event"
	"github.com/agentydragon/coreagent/gateway"
	"github.com/agentydragon/coreagent/notify"
	"github.com/agentydragon/coreagent/persistence"
	"github.com/agentydragon/coreagent/session"
)

type (
	// Sidecar is an optional add-on attached to an Infrastructure after
	// construction. Sidecars are detached in reverse order of attachment
	// when Infrastructure.Close runs.
	Sidecar interface {
		Attach(ctx context.Context, infra *Infrastructure) error
		Detach(ctx context.Context) error
	}

	// Infrastructure bundles the core collaborators for one agent run.
	// Sidecars can attach to it to add optional functionality (a UI
	// bridge, a chat relay, loop-control hooks) without the core
	// depending on them.
	Infrastructure struct {
		Compositor          *compositor.Compositor
		Gateway             *gateway.Gateway
		NotificationsBuffer *notify.Buffer
		Store               persistence.Store
		// Sessions tracks session/run lifecycle for this agent's runs. Nil
		// is a valid zero value: StartRun/EndRun are no-ops when it is unset,
		// so callers that don't need session tracking (e.g. tests) don't
		// have to supply a store.
		Sessions session.Store

		agentID string

		mu         sync.Mutex
		wg         sync.WaitGroup
		appendErrs []error
		sidecars   []Sidecar
	}
)

// New constructs an Infrastructure for the given agent ID from already-built
// collaborators. sessions may be nil if this run does not track session/run
// lifecycle.
func New(agentID string, c *compositor.Compositor, gw *gateway.Gateway, nb *notify.Buffer, store persistence.Store, sessions session.Store) *Infrastructure {
	return &Infrastructure{
		Compositor:          c,
		Gateway:             gw,
		NotificationsBuffer: nb,
		Store:               store,
		Sessions:            sessions,
		agentID:             agentID,
	}
}

// StartRun records sessionID (creating it if absent) and marks runID as
// running under it. A no-op returning the zero RunMeta and a nil error when
// Sessions is unset.
func (i *Infrastructure) StartRun(ctx context.Context, sessionID, runID string, startedAt time.Time) (session.RunMeta, error) {
	if i.Sessions == nil {
		return session.RunMeta{}, nil
	}
	if _, err := i.Sessions.CreateSession(ctx, sessionID, startedAt); err != nil {
		return session.RunMeta{}, fmt.Errorf("infra: start run: creating session: %w", err)
	}
	run := session.RunMeta{
		AgentID:   i.agentID,
		RunID:     runID,
		SessionID: sessionID,
		Status:    session.RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := i.Sessions.UpsertRun(ctx, run); err != nil {
		return session.RunMeta{}, fmt.Errorf("infra: start run: upserting run: %w", err)
	}
	return i.Sessions.LoadRun(ctx, runID)
}

// EndRun marks runID's final status. A no-op when Sessions is unset.
func (i *Infrastructure) EndRun(ctx context.Context, runID string, status session.RunStatus) error {
	if i.Sessions == nil {
		return nil
	}
	run, err := i.Sessions.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("infra: end run: loading run: %w", err)
	}
	run.Status = status
	if err := i.Sessions.UpsertRun(ctx, run); err != nil {
		return fmt.Errorf("infra: end run: upserting run: %w", err)
	}
	return nil
}

// AttachSidecar attaches sidecar to this infrastructure, recording it for
// reverse-order detach on Close.
func (i *Infrastructure) AttachSidecar(ctx context.Context, sidecar Sidecar) error {
	if err := sidecar.Attach(ctx, i); err != nil {
		return fmt.Errorf("infra: attach sidecar: %w", err)
	}
	i.mu.Lock()
	i.sidecars = append(i.sidecars, sidecar)
	i.mu.Unlock()
	return nil
}

// CloseResult reports the outcome of a best-effort Close: Drained is true
// iff every in-flight persistence append succeeded before teardown, and
// Errs collects every sidecar-detach failure (teardown of independent
// sidecars is not one atomic unit of work, so a partial failure is a
// normal, reportable outcome here — contrast with Drain, which is raising).
type CloseResult struct {
	Drained bool
	Errs    []error
}

// Close detaches every attached sidecar in reverse order of attachment,
// collecting (not aborting on) individual failures, then drains any
// in-flight persistence appends.
func (i *Infrastructure) Close(ctx context.Context) CloseResult {
	i.mu.Lock()
	sidecars := make([]Sidecar, len(i.sidecars))
	copy(sidecars, i.sidecars)
	i.sidecars = nil
	i.mu.Unlock()

	var errs []error
	for idx := len(sidecars) - 1; idx >= 0; idx-- {
		if err := sidecars[idx].Detach(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	drainErr := i.Drain()
	if drainErr != nil {
		errs = append(errs, drainErr)
	}

	return CloseResult{Drained: drainErr == nil, Errs: errs}
}

// RecordEvent appends ev to the Store without blocking the caller: the
// append runs in its own goroutine, tracked so Drain can wait for it.
func (i *Infrastructure) RecordEvent(ctx context.Context, ev event.Event) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if _, err := i.Store.Append(ctx, i.agentID, ev); err != nil {
			i.mu.Lock()
			i.appendErrs = append(i.appendErrs, fmt.Errorf("infra: append event: %w", err))
			i.mu.Unlock()
		}
	}()
}

// Drain waits for every in-flight RecordEvent append to finish and returns
// the join of every failure, or nil if all succeeded. This is the RAISING
// form: unlike Close's best-effort CloseResult, a persistence failure here
// is a programming-visible error the caller must decide how to handle
// (e.g. abort a destructive follow-up action), not a partial-teardown
// report.
func (i *Infrastructure) Drain() error {
	i.wg.Wait()
	i.mu.Lock()
	defer i.mu.Unlock()
	err := errors.Join(i.appendErrs...)
	i.appendErrs = nil
	return err
}
