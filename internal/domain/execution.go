package domain

import "github.com/worldline-go/types"

// ExecStatus is the lifecycle state of a WorkflowExecution or a StepResult.
// The execution-level and step-level status sets differ slightly (a step
// can be "skipped", an execution cannot start "skipped").
type ExecStatus string

const (
	StatusPending   ExecStatus = "pending"
	StatusRunning   ExecStatus = "running"
	StatusCompleted ExecStatus = "completed"
	StatusFailed    ExecStatus = "failed"
	StatusCancelled ExecStatus = "cancelled"
)

const (
	StepPending ExecStatus = "pending"
	StepRunning ExecStatus = "running"
	StepSuccess ExecStatus = "success"
	StepError   ExecStatus = "error"
	StepSkipped ExecStatus = "skipped"
)

// IsTerminal reports whether status is one from which an execution never
// transitions again.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepResult is one step's outcome within an execution, snapshotting the
// step's id/name so the journal survives later edits to the workflow
// definition.
type StepResult struct {
	StepID      string          `json:"step_id"`
	StepName    string          `json:"step_name"`
	Status      ExecStatus      `json:"status"`
	StartedAt   types.Null[types.Time] `json:"started_at"`
	CompletedAt types.Null[types.Time] `json:"completed_at"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// WorkflowExecution is one persisted run of a workflow.
type WorkflowExecution struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowName string                 `json:"workflow_name"`
	Status       ExecStatus             `json:"status"`
	StartedAt    types.Time             `json:"started_at"`
	CompletedAt  types.Null[types.Time] `json:"completed_at"`
	TriggerInfo  string                 `json:"trigger_info"`
	Steps        []StepResult           `json:"steps"`
}

// StepResultIndex returns the index into e.Steps of the named step, or -1.
func (e *WorkflowExecution) StepResultIndex(stepID string) int {
	for i := range e.Steps {
		if e.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}
