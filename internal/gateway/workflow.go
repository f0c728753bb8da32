package gateway

import (
	"context"
	"encoding/json"

	"github.com/loveme/daemon/internal/domain"
)

func (g *Gateway) handleCreateWorkflow(c *client, env domain.Envelope) {
	var wf domain.Workflow
	if err := json.Unmarshal([]byte(env.Content), &wf); err != nil {
		c.send <- errInvalid("malformed workflow: " + err.Error())
		return
	}
	if wf.ID == "" {
		wf.ID = newID()
	}
	wf.CreatedAt = now()
	wf.UpdatedAt = wf.CreatedAt

	if err := wf.Validate(); err != nil {
		c.send <- errInvalid(err.Error())
		return
	}
	if err := g.workflows.Create(wf); err != nil {
		c.send <- errStorage(err)
		return
	}
	if err := g.fabric.Bind(wf); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeWorkflowCreated, ID: wf.ID}
}

func (g *Gateway) handleUpdateWorkflow(c *client, env domain.Envelope) {
	var wf domain.Workflow
	if err := json.Unmarshal([]byte(env.Content), &wf); err != nil {
		c.send <- errInvalid("malformed workflow: " + err.Error())
		return
	}
	if wf.ID == "" {
		c.send <- errMissing("id")
		return
	}
	wf.UpdatedAt = now()

	if err := wf.Validate(); err != nil {
		c.send <- errInvalid(err.Error())
		return
	}
	if err := g.workflows.Update(wf); err != nil {
		c.send <- errStorage(err)
		return
	}
	// Re-bind unconditionally: Bind unsubscribes any prior binding before
	// (re)subscribing, so this also correctly tears down the binding when
	// the update just disabled the workflow (spec §4.6).
	if err := g.fabric.Bind(wf); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeWorkflowUpdated, ID: wf.ID}
}

func (g *Gateway) handleDeleteWorkflow(c *client, env domain.Envelope) {
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	g.fabric.Unbind(env.ID)
	if err := g.workflows.Delete(env.ID); err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeWorkflowDeleted, ID: env.ID}
}

func (g *Gateway) handleListWorkflows(c *client) {
	summaries, err := g.workflows.List()
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	raw, err := json.Marshal(summaries)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeWorkflowList, Content: string(raw)}
}

func (g *Gateway) handleGetWorkflow(c *client, env domain.Envelope) {
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	wf, err := g.workflows.Get(env.ID)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	raw, err := json.Marshal(wf)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeWorkflowLoaded, ID: wf.ID, Content: string(raw)}
}

// handleRunWorkflow starts execution in the background: Execute blocks
// until the whole run finishes, and progress reaches clients entirely
// through the Executor's onStepUpdate/onExecutionUpdate callbacks, wired to
// Gateway.BroadcastStepUpdate/BroadcastExecutionUpdate at construction.
func (g *Gateway) handleRunWorkflow(ctx context.Context, c *client, env domain.Envelope) {
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	wf, err := g.workflows.Get(env.ID)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	go func() {
		if _, err := g.executor.Execute(ctx, wf, "manual"); err != nil {
			g.hub.broadcast(errStorage(err))
		}
	}()
}

func (g *Gateway) handleCancelWorkflow(env domain.Envelope) {
	if env.ID == "" {
		return
	}
	g.executor.Cancel(env.ID)
}

func (g *Gateway) handleListExecutions(c *client, env domain.Envelope) {
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	execs, err := g.workflows.ListExecutions(env.ID)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	raw, err := json.Marshal(execs)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeExecutionList, ID: env.ID, Content: string(raw)}
}

func (g *Gateway) handleGetExecution(c *client, env domain.Envelope) {
	if env.ID == "" {
		c.send <- errMissing("id")
		return
	}
	exec, err := g.workflows.GetExecution(env.ID)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	raw, err := json.Marshal(exec)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeExecutionLoaded, ID: exec.ID, Content: string(raw)}
}

// BroadcastStepUpdate implements internal/executor.StepUpdateFunc.
func (g *Gateway) BroadcastStepUpdate(exec domain.WorkflowExecution, step domain.StepResult) {
	raw, err := json.Marshal(step)
	if err != nil {
		return
	}
	g.hub.broadcast(domain.Envelope{
		Type:    domain.TypeWorkflowStepUpdate,
		ID:      exec.ID,
		Content: string(raw),
		Metadata: domain.MetadataMap{
			"workflow_id": domain.StringValue(exec.WorkflowID),
			"status":      domain.StringValue(string(step.Status)),
		},
	})

	if wf, err := g.workflows.Get(exec.WorkflowID); err == nil && wf.Notify.OnStepComplete {
		g.NotifyWorkflow(exec, wf.Notify, "step_complete")
	}
}

// BroadcastExecutionUpdate implements internal/executor.ExecutionUpdateFunc.
func (g *Gateway) BroadcastExecutionUpdate(exec domain.WorkflowExecution) {
	typ := domain.TypeWorkflowExecutionStarted
	if exec.Status.IsTerminal() {
		typ = domain.TypeWorkflowExecutionDone
	}
	raw, err := json.Marshal(exec)
	if err != nil {
		return
	}
	g.hub.broadcast(domain.Envelope{
		Type:    typ,
		ID:      exec.ID,
		Content: string(raw),
		Metadata: domain.MetadataMap{
			"workflow_id": domain.StringValue(exec.WorkflowID),
			"status":      domain.StringValue(string(exec.Status)),
		},
	})
}

// NotifyWorkflow implements internal/triggerfabric.Notifier. It is a
// distinct broadcast channel from BroadcastExecutionUpdate/
// BroadcastStepUpdate (which always fire, unconditionally, as the live
// progress stream scenario 1 of spec §8 asserts): this one is gated by the
// workflow's own notifyOn* preferences (spec §7 "Workflow notifications are
// suppressed or delivered according to the workflow's notifyOn*
// preferences").
func (g *Gateway) NotifyWorkflow(exec domain.WorkflowExecution, notify domain.NotificationPrefs, event string) {
	var enabled bool
	switch event {
	case "start":
		enabled = notify.OnStart
	case "complete":
		enabled = notify.OnComplete
	case "error":
		enabled = notify.OnError
	case "step_complete":
		enabled = notify.OnStepComplete
	}
	if !enabled {
		return
	}

	g.hub.broadcast(domain.Envelope{
		Type: domain.TypeWorkflowNotification,
		ID:   exec.WorkflowID,
		Metadata: domain.MetadataMap{
			"workflow_name": domain.StringValue(exec.WorkflowName),
			"event":         domain.StringValue(event),
			"status":        domain.StringValue(string(exec.Status)),
		},
	})
}
