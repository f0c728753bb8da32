// Package domain holds the persisted record types shared by the workflow
// store, executor, trigger fabric, and gateway. None of these types own any
// I/O; that belongs to the store/executor packages that operate on them.
package domain

import (
	"github.com/worldline-go/types"
)

// ErrorPolicy controls how the Executor reacts to a failed step.
type ErrorPolicy string

const (
	ErrorPolicyStop  ErrorPolicy = "stop"
	ErrorPolicySkip  ErrorPolicy = "skip"
	ErrorPolicyRetry ErrorPolicy = "retry"
)

// TriggerKind tags the Trigger sum type.
type TriggerKind string

const (
	TriggerKindCron  TriggerKind = "cron"
	TriggerKindEvent TriggerKind = "event"
)

// Trigger is a tagged union: exactly one of Cron/Event is populated,
// selected by Kind.
type Trigger struct {
	Kind  TriggerKind  `json:"kind"`
	Cron  *CronTrigger `json:"cron,omitempty"`
	Event *EventTrigger `json:"event,omitempty"`
}

// CronTrigger is a 5-field cron expression, parsed and matched by
// internal/cronticker.
type CronTrigger struct {
	Expression string `json:"expression"`
}

// EventTrigger subscribes a workflow to the event bus. Filter, when
// non-empty, requires every listed key to equal the corresponding event
// data string (AND semantics across keys).
type EventTrigger struct {
	Source    string            `json:"source"`
	EventType string            `json:"event_type"`
	Filter    map[string]string `json:"filter,omitempty"`
}

// InputValue is a Step's parameter value: either a literal string, or a
// reference that resolves at run time against an upstream step's output.
type InputValue struct {
	Literal *string     `json:"literal,omitempty"`
	Ref     *InputRef   `json:"ref,omitempty"`
}

// InputRef names the producing step and a dotted JSON path into its output.
type InputRef struct {
	StepID   string `json:"step_id"`
	JSONPath string `json:"json_path"`
}

// Step is one node of a workflow's step DAG: one tool invocation.
type Step struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Tool         string                `json:"tool"`
	Provider     string                `json:"provider"`
	Input        map[string]InputValue `json:"input"`
	DependsOn    []string              `json:"depends_on,omitempty"`
	ErrorPolicy  ErrorPolicy           `json:"error_policy"`
}

// NotificationPrefs controls which execution transitions get broadcast as
// workflow notifications by the trigger fabric.
type NotificationPrefs struct {
	OnStart        bool `json:"on_start"`
	OnComplete     bool `json:"on_complete"`
	OnError        bool `json:"on_error"`
	OnStepComplete bool `json:"on_step_complete"`
}

// Workflow is the immutable-by-id persisted automation definition.
type Workflow struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Enabled       bool              `json:"enabled"`
	Trigger       Trigger           `json:"trigger"`
	Steps         []Step            `json:"steps"`
	Notify        NotificationPrefs `json:"notify"`
	CreatedAt     types.Time        `json:"created_at"`
	UpdatedAt     types.Time        `json:"updated_at"`
}

// Summary is the projection returned by Store.List — it never carries the
// step DAG, only what a workflow list view needs.
type Summary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	TriggerKind TriggerKind `json:"trigger_kind"`
	StepCount   int        `json:"step_count"`
	UpdatedAt   types.Time `json:"updated_at"`
}

// ToSummary projects a Workflow down to its list view.
func (w Workflow) ToSummary() Summary {
	return Summary{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Enabled:     w.Enabled,
		TriggerKind: w.Trigger.Kind,
		StepCount:   len(w.Steps),
		UpdatedAt:   w.UpdatedAt,
	}
}

// StepIndex returns the step with the given id, or false if absent.
func (w Workflow) StepIndex(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks the invariants spec.md §3 places on a Workflow: non-empty
// steps when enabled, dependsOn references resolve within the same
// workflow, and the dependency graph is acyclic.
func (w Workflow) Validate() error {
	if w.Enabled && len(w.Steps) == 0 {
		return errEnabledWithoutSteps
	}

	ids := make(map[string]struct{}, len(w.Steps))
	for _, s := range w.Steps {
		ids[s.ID] = struct{}{}
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return &UnknownDependencyError{StepID: s.ID, DependsOn: dep}
			}
		}
	}

	return checkAcyclic(w.Steps)
}

func checkAcyclic(steps []Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
		color[s.ID] = white
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return &CyclicDependencyError{StepID: id}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
