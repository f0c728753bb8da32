// Package triggerfabric implements the Scheduler / Trigger Fabric (spec
// C6): it binds each enabled workflow to either the Cron Ticker or the
// Event Bus, and on fire/publish invokes the Executor and routes the
// terminal execution through the workflow's notification preferences.
//
// Grounded on the teacher's internal/service/workflow/scheduler.go
// (stop-and-reload cron binding, makeCronFunc-style per-trigger closures,
// logging style) generalized from its single cron-only binding to the
// spec's dual cron/event binding, and with the leader-election/clustering
// machinery dropped — horizontal scaling is an explicit spec non-goal.
package triggerfabric

import (
	"context"
	"log/slog"

	"github.com/loveme/daemon/internal/cronticker"
	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/eventbus"
)

// WorkflowLookup resolves a workflow definition by id at fire time, so the
// fabric always runs the latest saved version rather than a stale copy
// captured at bind time.
type WorkflowLookup func(id string) (domain.Workflow, error)

// Executor is the subset of internal/executor.Executor the fabric drives.
type Executor interface {
	Execute(ctx context.Context, definition domain.Workflow, triggerInfo string) (domain.WorkflowExecution, error)
}

// CronTicker is the subset of internal/cronticker.Ticker the fabric needs.
type CronTicker interface {
	Register(workflowID, expression string, fire cronticker.FireFunc) error
	Unregister(workflowID string) error
}

// Notifier is called with the workflow's notification preferences and an
// execution: a running placeholder for "start", the terminal execution for
// "complete"/"error". The Gateway implements this to fan the result out as
// a broadcast envelope.
type Notifier func(exec domain.WorkflowExecution, notify domain.NotificationPrefs, event string)

// Fabric binds enabled workflows to their trigger source and drives
// executions on fire/publish.
type Fabric struct {
	lookup   WorkflowLookup
	executor Executor
	ticker   CronTicker
	bus      *eventbus.Bus
	notify   Notifier

	ctx context.Context
}

// New constructs a Fabric. Call Start once the daemon's root context is
// available, before binding any workflow.
func New(lookup WorkflowLookup, executor Executor, ticker CronTicker, bus *eventbus.Bus, notify Notifier) *Fabric {
	return &Fabric{lookup: lookup, executor: executor, ticker: ticker, bus: bus, notify: notify}
}

// Start records the root context used for executions started by fires.
func (f *Fabric) Start(ctx context.Context) {
	f.ctx = ctx
}

// Bind wires wf's trigger to the matching source. A disabled workflow gets
// neither binding (spec §4.6); Bind tears down any prior binding first so
// updates are always unsubscribe-then-resubscribe.
func (f *Fabric) Bind(wf domain.Workflow) error {
	f.Unbind(wf.ID)

	if !wf.Enabled {
		return nil
	}

	switch wf.Trigger.Kind {
	case domain.TriggerKindCron:
		if wf.Trigger.Cron == nil {
			return nil
		}
		return f.ticker.Register(wf.ID, wf.Trigger.Cron.Expression, f.fire)
	case domain.TriggerKindEvent:
		if wf.Trigger.Event == nil {
			return nil
		}
		ev := wf.Trigger.Event
		f.bus.Subscribe(ev.Source, ev.EventType, wf.ID, f.makeEventHandler(wf.ID, ev.Filter))
	}
	return nil
}

// Unbind tears down whatever binding workflowID currently has, in both
// possible sources (a workflow can only have one active kind at a time,
// but neither call errors if unused).
func (f *Fabric) Unbind(workflowID string) {
	_ = f.ticker.Unregister(workflowID)
	f.bus.Unsubscribe(workflowID)
}

func (f *Fabric) makeEventHandler(workflowID string, filter map[string]string) eventbus.Handler {
	return func(ctx context.Context, ev eventbus.Event) {
		for k, want := range filter {
			if ev.Data[k] != want {
				return
			}
		}
		f.runWorkflow(workflowID, "event:"+ev.Source+"/"+ev.EventType)
	}
}

func (f *Fabric) fire(ctx context.Context, workflowID string) {
	f.runWorkflow(workflowID, "cron")
}

func (f *Fabric) runWorkflow(workflowID, triggerInfo string) {
	ctx := f.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	wf, err := f.lookup(workflowID)
	if err != nil {
		slog.Error("triggerfabric: workflow lookup failed", "workflow_id", workflowID, "error", err)
		return
	}
	if !wf.Enabled {
		return
	}

	if f.notify != nil {
		f.notify(domain.WorkflowExecution{WorkflowID: wf.ID, WorkflowName: wf.Name, Status: domain.StatusRunning}, wf.Notify, "start")
	}

	exec, err := f.executor.Execute(ctx, wf, triggerInfo)
	if err != nil {
		slog.Error("triggerfabric: execution failed", "workflow_id", workflowID, "error", err)
		return
	}

	if f.notify == nil {
		return
	}
	switch exec.Status {
	case domain.StatusCompleted:
		f.notify(exec, wf.Notify, "complete")
	case domain.StatusFailed:
		f.notify(exec, wf.Notify, "error")
	}
}
