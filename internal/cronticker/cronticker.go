// Package cronticker implements the daemon's cron scheduling agent (spec
// C3): workflows are registered/unregistered dynamically, and a single
// scheduling agent fires each registered expression at its matching minute,
// with no catch-up for minutes missed while stopped.
//
// hardloop's cron runner does not support adding or removing individual
// jobs once started, so — exactly like the teacher's
// internal/service/workflow/scheduler.go — Register/Unregister stop and
// recreate the whole runner from the current registration table.
package cronticker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/worldline-go/hardloop"
)

// FireFunc is invoked when a registered expression matches the current
// minute. It must not block the Ticker for long; firing is meant to be
// non-blocking (the caller typically hands off to a scheduler/executor).
type FireFunc func(ctx context.Context, workflowID string)

type registration struct {
	expression string
	fire       FireFunc
}

// Ticker is the single scheduling agent described in spec §4.3.
type Ticker struct {
	mu            sync.Mutex
	registrations map[string]registration // workflowID -> registration
	lastFired     map[string]string       // workflowID -> "YYYY-MM-DDTHH:MM" of last fire, for the no-double-fire invariant

	ctx    context.Context
	cancel context.CancelFunc
	runner interface {
		Start(ctx context.Context) error
		Stop()
	}
}

// New creates an empty Ticker. Call Start once the daemon's root context is
// available.
func New() *Ticker {
	return &Ticker{
		registrations: make(map[string]registration),
		lastFired:     make(map[string]string),
	}
}

// Start begins evaluating whatever is currently registered. Safe to call
// with zero registrations (it will simply idle until Register is called).
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
	return t.reloadLocked()
}

// Stop halts the scheduling agent. Workflows missed while stopped are not
// run retroactively — that is the meaning of "no catch-up" in spec §4.3.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Register adds or replaces the cron binding for workflowID. Registering
// the same id twice is equivalent to Unregister then Register (spec §8
// idempotence property), by virtue of the map assignment below simply
// overwriting the prior entry before reload.
func (t *Ticker) Register(workflowID, expression string, fire FireFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.registrations[workflowID] = registration{expression: expression, fire: fire}
	return t.reloadLocked()
}

// Unregister removes workflowID's cron binding, if any.
func (t *Ticker) Unregister(workflowID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.registrations[workflowID]; !ok {
		return nil
	}
	delete(t.registrations, workflowID)
	delete(t.lastFired, workflowID)
	return t.reloadLocked()
}

func (t *Ticker) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.runner != nil {
		t.runner.Stop()
		t.runner = nil
	}
}

// reloadLocked rebuilds the hardloop cron runner from the registration
// table. Must be called with t.mu held.
func (t *Ticker) reloadLocked() error {
	t.stopLocked()

	if t.ctx == nil {
		return nil
	}
	if len(t.registrations) == 0 {
		return nil
	}

	crons := make([]hardloop.Cron, 0, len(t.registrations))
	for workflowID, reg := range t.registrations {
		workflowID, reg := workflowID, reg
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("workflow-%s", workflowID),
			Specs: []string{reg.expression},
			Func:  t.makeFireFunc(workflowID, reg.fire),
		})
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("cronticker: build runner: %w", err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	t.cancel = cancel
	t.runner = cronJob

	if err := cronJob.Start(ctx); err != nil {
		cancel()
		t.cancel = nil
		return fmt.Errorf("cronticker: start runner: %w", err)
	}
	return nil
}

// makeFireFunc wraps fire with the per-minute dedupe invariant from spec
// §8: the Ticker never fires the same workflow twice within the same
// calendar minute, tracked independently of whatever tolerance the
// underlying runner allows for jitter.
func (t *Ticker) makeFireFunc(workflowID string, fire FireFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		minuteKey := time.Now().UTC().Truncate(time.Minute).Format("2006-01-02T15:04")

		t.mu.Lock()
		if t.lastFired[workflowID] == minuteKey {
			t.mu.Unlock()
			return nil
		}
		t.lastFired[workflowID] = minuteKey
		t.mu.Unlock()

		slog.Debug("cronticker: firing", "workflow_id", workflowID, "minute", minuteKey)
		fire(ctx, workflowID)
		return nil
	}
}
