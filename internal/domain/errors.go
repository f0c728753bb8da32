package domain

import "fmt"

var errEnabledWithoutSteps = fmt.Errorf("workflow: enabled workflow must have at least one step")

// UnknownDependencyError is returned when a step's dependsOn references a
// step id that doesn't exist in the same workflow.
type UnknownDependencyError struct {
	StepID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.DependsOn)
}

// CyclicDependencyError is returned when a workflow's step graph contains a
// cycle reachable from StepID.
type CyclicDependencyError struct {
	StepID string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle detected at step %q", e.StepID)
}

// NotFoundError is returned by stores when an operation targets a missing id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError is returned by stores when an operation would violate a
// uniqueness invariant (e.g. create with a duplicate id).
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}
