package triggerfabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loveme/daemon/internal/cronticker"
	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/eventbus"
)

const (
	timeout   = time.Second
	shortWait = 50 * time.Millisecond
	interval  = time.Millisecond
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExecutor) Execute(ctx context.Context, definition domain.Workflow, triggerInfo string) (domain.WorkflowExecution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, definition.ID)
	f.mu.Unlock()
	return domain.WorkflowExecution{WorkflowID: definition.ID, Status: domain.StatusCompleted}, nil
}

func TestBindEventWorkflowRunsOnMatchingPublish(t *testing.T) {
	wf := domain.Workflow{
		ID:      "wf-1",
		Name:    "on mail",
		Enabled: true,
		Trigger: domain.Trigger{Kind: domain.TriggerKindEvent, Event: &domain.EventTrigger{Source: "email", EventType: "email_received"}},
	}

	exec := &fakeExecutor{}
	bus := eventbus.New()

	var notified []string
	var mu sync.Mutex
	fabric := New(func(id string) (domain.Workflow, error) { return wf, nil }, exec, cronticker.New(), bus,
		func(e domain.WorkflowExecution, notify domain.NotificationPrefs, event string) {
			mu.Lock()
			notified = append(notified, event)
			mu.Unlock()
		})
	fabric.Start(context.Background())

	require.NoError(t, fabric.Bind(wf))

	bus.Publish(context.Background(), eventbus.Event{Source: "email", EventType: "email_received"})

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.calls) == 1
	}, timeout, interval)
}

func TestUnbindRemovesEventSubscription(t *testing.T) {
	wf := domain.Workflow{
		ID:      "wf-2",
		Enabled: true,
		Trigger: domain.Trigger{Kind: domain.TriggerKindEvent, Event: &domain.EventTrigger{Source: "cron", EventType: "fire"}},
	}

	exec := &fakeExecutor{}
	bus := eventbus.New()
	fabric := New(func(id string) (domain.Workflow, error) { return wf, nil }, exec, cronticker.New(), bus, nil)
	fabric.Start(context.Background())

	require.NoError(t, fabric.Bind(wf))
	fabric.Unbind(wf.ID)

	bus.Publish(context.Background(), eventbus.Event{Source: "cron", EventType: "fire"})

	require.Never(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.calls) > 0
	}, shortWait, interval)
}

func TestDisabledWorkflowGetsNoBinding(t *testing.T) {
	wf := domain.Workflow{
		ID:      "wf-3",
		Enabled: false,
		Trigger: domain.Trigger{Kind: domain.TriggerKindEvent, Event: &domain.EventTrigger{Source: "x", EventType: "y"}},
	}
	exec := &fakeExecutor{}
	bus := eventbus.New()
	fabric := New(func(id string) (domain.Workflow, error) { return wf, nil }, exec, cronticker.New(), bus, nil)
	fabric.Start(context.Background())

	require.NoError(t, fabric.Bind(wf))
	bus.Publish(context.Background(), eventbus.Event{Source: "x", EventType: "y"})

	require.Never(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.calls) > 0
	}, shortWait, interval)
}
