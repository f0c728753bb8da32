// Package executor implements the Workflow Executor (spec C5): it runs one
// workflow's step DAG to completion, honoring dependency gating, per-step
// error policy, variable substitution between steps, cancellation, and
// per-step timeouts. Grounded on the teacher's
// internal/service/workflow/engine.go (goroutine-per-branch execution
// behind a mutex-protected outputs map, Kahn-style readiness tracking) but
// generalized from a node/port graph to the spec's flat step DAG gated by
// `dependsOn`.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/worldline-go/types"

	"github.com/loveme/daemon/internal/domain"
)

// ToolInvoker is the subset of the Tool Router the Executor needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error)
}

// Store is the subset of the Workflow Store the Executor writes through —
// "only the Store writes [the journal]; the Executor requests writes
// through it" (spec §5).
type Store interface {
	UpsertExecution(exec domain.WorkflowExecution) error
}

// StepUpdateFunc is invoked on every step status transition, before the
// next state change (spec §4.5 "Broadcasting").
type StepUpdateFunc func(exec domain.WorkflowExecution, step domain.StepResult)

// ExecutionUpdateFunc is invoked on every execution-level status transition.
type ExecutionUpdateFunc func(exec domain.WorkflowExecution)

// DefaultStepTimeout is the per-step wall-clock limit (spec §4.5).
const DefaultStepTimeout = 5 * time.Minute

const (
	retryMaxAttempts = 3
	retryBackoffBase = 1 * time.Second
)

// Executor runs workflow step DAGs. A single instance is shared across all
// concurrently running executions; per-execution state lives in a
// runState, not on the Executor itself.
type Executor struct {
	tools             ToolInvoker
	store             Store
	onStepUpdate      StepUpdateFunc
	onExecutionUpdate ExecutionUpdateFunc
	stepTimeout       time.Duration

	mu        sync.Mutex
	cancelled map[string]bool // executionID -> cancellation requested
}

// New constructs an Executor. The two callbacks are set once, per spec
// §4.5's "set once at construction".
func New(tools ToolInvoker, store Store, onStepUpdate StepUpdateFunc, onExecutionUpdate ExecutionUpdateFunc) *Executor {
	return &Executor{
		tools:             tools,
		store:             store,
		onStepUpdate:      onStepUpdate,
		onExecutionUpdate: onExecutionUpdate,
		stepTimeout:       DefaultStepTimeout,
		cancelled:         make(map[string]bool),
	}
}

// Cancel requests cooperative cancellation of a running execution. Checked
// at the next gating checkpoint (spec §4.5).
func (e *Executor) Cancel(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[executionID] = true
}

func (e *Executor) isCancelled(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[executionID]
}

func (e *Executor) forgetCancellation(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, executionID)
}

// runState is the mutable, per-execution bookkeeping the gating loop reads
// and writes under mu.
type runState struct {
	mu      sync.Mutex
	exec    domain.WorkflowExecution
	outputs map[string]string // stepID -> raw output string, for downstream substitution
}

// Execute runs definition's step DAG to completion and returns the final
// execution record. It blocks the caller only until the whole execution
// finishes (or is cancelled); progress streams out through the two
// callbacks as it happens.
func (e *Executor) Execute(ctx context.Context, definition domain.Workflow, triggerInfo string) (domain.WorkflowExecution, error) {
	now := types.NewTime(time.Now().UTC())

	steps := make([]domain.StepResult, len(definition.Steps))
	for i, s := range definition.Steps {
		steps[i] = domain.StepResult{StepID: s.ID, StepName: s.Name, Status: domain.StepPending}
	}

	rs := &runState{
		exec: domain.WorkflowExecution{
			ID:           ulid.Make().String(),
			WorkflowID:   definition.ID,
			WorkflowName: definition.Name,
			Status:       domain.StatusRunning,
			StartedAt:    now,
			TriggerInfo:  triggerInfo,
			Steps:        steps,
		},
		outputs: make(map[string]string),
	}
	execID := rs.exec.ID

	e.persistAndBroadcastExecution(rs)

	haltAfterRound := false
	for {
		if e.isCancelled(execID) || ctx.Err() != nil {
			e.finish(rs, domain.StatusCancelled)
			break
		}
		if haltAfterRound {
			// A stop-policy step failed in the prior round: the execution
			// is already failed, so no further round may dispatch new
			// steps, even ones whose own dependencies are unrelated to the
			// failure (spec §4.5 "no further steps start"). Steps that never
			// started are recorded as skipped.
			for _, s := range definition.Steps {
				rs.mu.Lock()
				idx := rs.exec.StepResultIndex(s.ID)
				pending := idx >= 0 && rs.exec.Steps[idx].Status == domain.StepPending
				rs.mu.Unlock()
				if pending {
					e.setStepStatus(rs, s.ID, domain.StepSkipped, "", "")
				}
			}
			e.finish(rs, domain.StatusFailed)
			break
		}

		ready := e.readyOrSkippable(rs, definition.Steps)
		if len(ready) == 0 {
			if e.allTerminal(rs) {
				finalStatus := domain.StatusCompleted
				if e.anyStepFailed(rs) {
					finalStatus = domain.StatusFailed
				}
				e.finish(rs, finalStatus)
			}
			// Not all-terminal and nothing ready: every remaining step is
			// gated behind a step that's still pending for lack of a ready
			// predecessor, which Validate() rules out for an acyclic graph,
			// so this branch is unreachable in practice. haltAfterRound is
			// handled at the top of the loop, before ready is computed.
			break
		}

		var wg sync.WaitGroup
		for _, plan := range ready {
			plan := plan
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.runStep(ctx, rs, plan)
			}()
		}
		wg.Wait()

		if e.hasStopFailure(rs, definition.Steps) {
			haltAfterRound = true
		}
	}

	e.forgetCancellation(execID)

	rs.mu.Lock()
	final := rs.exec
	rs.mu.Unlock()
	return final, nil
}

// stepPlan is one step selected to run (or be marked skipped) this round.
type stepPlan struct {
	step       domain.Step
	skip       bool // mark skipped without invoking the tool
	runAnyway  bool // ran despite a skipped/errored dependency (own policy == skip)
}

// readyOrSkippable scans for pending steps whose dependencies are all
// terminal, and decides whether each should run or be marked skipped.
func (e *Executor) readyOrSkippable(rs *runState, steps []domain.Step) []stepPlan {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	statusOf := func(stepID string) domain.ExecStatus {
		idx := rs.exec.StepResultIndex(stepID)
		if idx < 0 {
			return domain.StepPending
		}
		return rs.exec.Steps[idx].Status
	}

	var plans []stepPlan
	for _, s := range steps {
		idx := rs.exec.StepResultIndex(s.ID)
		if idx < 0 || rs.exec.Steps[idx].Status != domain.StepPending {
			continue
		}

		allDepsDone := true
		blockedByFailure := false
		for _, dep := range s.DependsOn {
			st := statusOf(dep)
			if st != domain.StepSuccess && st != domain.StepError && st != domain.StepSkipped {
				allDepsDone = false
				break
			}
			if st == domain.StepError || st == domain.StepSkipped {
				blockedByFailure = true
			}
		}
		if !allDepsDone {
			continue
		}

		if blockedByFailure {
			if s.ErrorPolicy == domain.ErrorPolicySkip {
				plans = append(plans, stepPlan{step: s, runAnyway: true})
			} else {
				plans = append(plans, stepPlan{step: s, skip: true})
			}
			continue
		}

		plans = append(plans, stepPlan{step: s})
	}
	return plans
}

func (e *Executor) allTerminal(rs *runState) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, sr := range rs.exec.Steps {
		if sr.Status == domain.StepPending || sr.Status == domain.StepRunning {
			return false
		}
	}
	return true
}

func (e *Executor) anyStepFailed(rs *runState) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, sr := range rs.exec.Steps {
		if sr.Status == domain.StepError {
			return true
		}
	}
	return false
}

// hasStopFailure reports whether any step whose policy is not "skip" (stop,
// retry after its last attempt, or unset) has already failed, which means
// no further rounds should start new steps.
func (e *Executor) hasStopFailure(rs *runState, steps []domain.Step) bool {
	policyFor := make(map[string]domain.ErrorPolicy, len(steps))
	for _, s := range steps {
		policyFor[s.ID] = s.ErrorPolicy
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, sr := range rs.exec.Steps {
		if sr.Status == domain.StepError && policyFor[sr.StepID] != domain.ErrorPolicySkip {
			return true
		}
	}
	return false
}

// runStep executes (or marks skipped) a single step and records the
// transition.
func (e *Executor) runStep(ctx context.Context, rs *runState, plan stepPlan) {
	if plan.skip {
		e.setStepStatus(rs, plan.step.ID, domain.StepSkipped, "", "")
		return
	}

	e.setStepStatus(rs, plan.step.ID, domain.StepRunning, "", "")

	output, err := e.invokeWithPolicy(ctx, rs, plan.step)
	if err != nil {
		e.setStepStatus(rs, plan.step.ID, domain.StepError, "", err.Error())
		return
	}
	e.setStepStatus(rs, plan.step.ID, domain.StepSuccess, output, "")
}

// invokeWithPolicy resolves input, invokes the tool, and applies the retry
// policy.
func (e *Executor) invokeWithPolicy(ctx context.Context, rs *runState, step domain.Step) (string, error) {
	rs.mu.Lock()
	args, err := resolveInputs(step.Input, rs.outputs)
	rs.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("resolve inputs: %w", err)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	attempts := 1
	if step.ErrorPolicy == domain.ErrorPolicyRetry {
		attempts = retryMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if e.isCancelled(rs.executionID()) {
				return "", fmt.Errorf("cancelled")
			}
			time.Sleep(retryBackoffBase * time.Duration(attempt-1))
		}

		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		result, invokeErr := e.tools.Invoke(stepCtx, step.Tool, argsJSON)
		cancel()

		if invokeErr != nil {
			lastErr = invokeErr
			continue
		}
		if result.IsError {
			lastErr = fmt.Errorf("%s", result.Content)
			continue
		}
		return result.Content, nil
	}
	return "", lastErr
}

func (rs *runState) executionID() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.exec.ID
}

// resolveInputs substitutes each InputValue: a literal passes through; a
// ref parses the producer's raw output as JSON and applies the dotted
// path, falling back to the producer's raw output string when the path is
// absent or the output isn't JSON (spec §4.5).
func resolveInputs(input map[string]domain.InputValue, outputs map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(input))
	for key, v := range input {
		if v.Literal != nil {
			resolved[key] = *v.Literal
			continue
		}
		if v.Ref == nil {
			continue
		}

		producerOutput := outputs[v.Ref.StepID]
		result := gjson.Get(producerOutput, v.Ref.JSONPath)
		if result.Exists() {
			resolved[key] = result.String()
		} else {
			resolved[key] = producerOutput
		}
	}
	return resolved, nil
}

// setStepStatus records a step transition: updates the in-memory snapshot,
// persists the journal, fires onStepUpdate, and fires onExecutionUpdate —
// in that order, per spec §4.5 "every transition ... triggers the
// corresponding callback before the next state change".
func (e *Executor) setStepStatus(rs *runState, stepID string, status domain.ExecStatus, output, errMsg string) {
	rs.mu.Lock()
	idx := rs.exec.StepResultIndex(stepID)
	if idx < 0 {
		rs.mu.Unlock()
		return
	}

	now := types.NewTime(time.Now().UTC())
	switch status {
	case domain.StepRunning:
		rs.exec.Steps[idx].StartedAt = types.NewNull(now)
	case domain.StepSuccess, domain.StepError, domain.StepSkipped:
		rs.exec.Steps[idx].CompletedAt = types.NewNull(now)
		rs.outputs[stepID] = output
	}
	rs.exec.Steps[idx].Status = status
	rs.exec.Steps[idx].Output = output
	rs.exec.Steps[idx].Error = errMsg

	stepSnapshot := rs.exec.Steps[idx]
	execSnapshot := rs.exec
	rs.mu.Unlock()

	if err := e.store.UpsertExecution(execSnapshot); err != nil {
		slog.Error("executor: persist execution failed", "execution_id", execSnapshot.ID, "error", err)
	}
	if e.onStepUpdate != nil {
		e.onStepUpdate(execSnapshot, stepSnapshot)
	}
	if e.onExecutionUpdate != nil {
		e.onExecutionUpdate(execSnapshot)
	}
}

// finish transitions the execution itself to a terminal status.
func (e *Executor) finish(rs *runState, status domain.ExecStatus) {
	rs.mu.Lock()
	if rs.exec.Status.IsTerminal() {
		rs.mu.Unlock()
		return
	}
	rs.exec.Status = status
	rs.exec.CompletedAt = types.NewNull(types.NewTime(time.Now().UTC()))
	execSnapshot := rs.exec
	rs.mu.Unlock()

	e.persistAndBroadcast(execSnapshot)
}

func (e *Executor) persistAndBroadcastExecution(rs *runState) {
	rs.mu.Lock()
	execSnapshot := rs.exec
	rs.mu.Unlock()
	e.persistAndBroadcast(execSnapshot)
}

func (e *Executor) persistAndBroadcast(exec domain.WorkflowExecution) {
	if err := e.store.UpsertExecution(exec); err != nil {
		slog.Error("executor: persist execution failed", "execution_id", exec.ID, "error", err)
	}
	if e.onExecutionUpdate != nil {
		e.onExecutionUpdate(exec)
	}
}
