package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loveme/daemon/internal/domain"
)

type recordingStore struct {
	mu    sync.Mutex
	execs []domain.WorkflowExecution
}

func (s *recordingStore) UpsertExecution(exec domain.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, exec)
	return nil
}

type fakeTools struct {
	mu      sync.Mutex
	calls   []string
	results map[string]domain.ToolResult
	failN   map[string]int // tool name -> number of times to fail before succeeding
}

func (f *fakeTools) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	if n := f.failN[name]; n > 0 {
		f.failN[name] = n - 1
		f.mu.Unlock()
		return domain.ToolResult{IsError: true, Content: "transient failure"}, nil
	}
	f.mu.Unlock()

	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return domain.ToolResult{Content: "ok"}, nil
}

func literal(s string) domain.InputValue {
	return domain.InputValue{Literal: &s}
}

func TestExecuteLinearDependencyChain(t *testing.T) {
	tools := &fakeTools{results: map[string]domain.ToolResult{
		"producer": {Content: `{"value":"42"}`},
	}}
	store := &recordingStore{}

	var stepUpdates []domain.StepResult
	var mu sync.Mutex
	exec := New(tools, store, func(e domain.WorkflowExecution, s domain.StepResult) {
		mu.Lock()
		stepUpdates = append(stepUpdates, s)
		mu.Unlock()
	}, nil)

	wf := domain.Workflow{
		ID:   "wf-1",
		Name: "chain",
		Steps: []domain.Step{
			{ID: "s1", Tool: "producer", Input: map[string]domain.InputValue{}},
			{ID: "s2", Tool: "consumer", DependsOn: []string{"s1"}, Input: map[string]domain.InputValue{
				"value": {Ref: &domain.InputRef{StepID: "s1", JSONPath: "value"}},
			}},
		},
	}

	result, err := exec.Execute(context.Background(), wf, "manual")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, result.Status)
	require.Equal(t, domain.StepSuccess, result.Steps[0].Status)
	require.Equal(t, domain.StepSuccess, result.Steps[1].Status)

	require.Contains(t, tools.calls, "producer")
	require.Contains(t, tools.calls, "consumer")
}

func TestExecuteStopPolicyHaltsDownstream(t *testing.T) {
	tools := &fakeTools{results: map[string]domain.ToolResult{
		"failing": {IsError: true, Content: "boom"},
	}}
	store := &recordingStore{}
	exec := New(tools, store, nil, nil)

	wf := domain.Workflow{
		ID: "wf-2",
		Steps: []domain.Step{
			{ID: "s1", Tool: "failing", ErrorPolicy: domain.ErrorPolicyStop, Input: map[string]domain.InputValue{}},
			{ID: "s2", Tool: "never", DependsOn: []string{"s1"}, Input: map[string]domain.InputValue{}},
		},
	}

	result, err := exec.Execute(context.Background(), wf, "manual")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, result.Status)
	require.Equal(t, domain.StepError, result.Steps[0].Status)
	require.Equal(t, domain.StepSkipped, result.Steps[1].Status)
	require.NotContains(t, tools.calls, "never")
}

// TestExecuteStopPolicyHaltsSiblingChain covers a stop-failure whose halt
// must also block steps with no dependency relation to the failed step: A
// fails in round 1 alongside the independent C, and D (depends on C, which
// succeeded) must never run in round 2 once the execution is already failed.
func TestExecuteStopPolicyHaltsSiblingChain(t *testing.T) {
	tools := &fakeTools{results: map[string]domain.ToolResult{
		"failing": {IsError: true, Content: "boom"},
	}}
	store := &recordingStore{}
	exec := New(tools, store, nil, nil)

	wf := domain.Workflow{
		ID: "wf-sibling",
		Steps: []domain.Step{
			{ID: "a", Tool: "failing", ErrorPolicy: domain.ErrorPolicyStop, Input: map[string]domain.InputValue{}},
			{ID: "c", Tool: "runner", Input: map[string]domain.InputValue{}},
			{ID: "d", Tool: "never", DependsOn: []string{"c"}, Input: map[string]domain.InputValue{}},
		},
	}

	result, err := exec.Execute(context.Background(), wf, "manual")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, result.Status)
	require.NotContains(t, tools.calls, "never")
}

func TestExecuteSkipPolicyRunsDownstreamWithEmptyInput(t *testing.T) {
	tools := &fakeTools{results: map[string]domain.ToolResult{
		"failing": {IsError: true, Content: "boom"},
	}}
	store := &recordingStore{}
	exec := New(tools, store, nil, nil)

	wf := domain.Workflow{
		ID: "wf-3",
		Steps: []domain.Step{
			{ID: "s1", Tool: "failing", ErrorPolicy: domain.ErrorPolicySkip, Input: map[string]domain.InputValue{}},
			{ID: "s2", Tool: "runner", DependsOn: []string{"s1"}, ErrorPolicy: domain.ErrorPolicySkip, Input: map[string]domain.InputValue{
				"upstream": {Ref: &domain.InputRef{StepID: "s1", JSONPath: "value"}},
			}},
		},
	}

	result, err := exec.Execute(context.Background(), wf, "manual")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, result.Status) // s1 still recorded as error overall
	require.Equal(t, domain.StepError, result.Steps[0].Status)
	require.Equal(t, domain.StepSuccess, result.Steps[1].Status)
	require.Contains(t, tools.calls, "runner")
}

func TestExecuteRetryPolicyRecoversWithinAttemptBudget(t *testing.T) {
	tools := &fakeTools{
		results: map[string]domain.ToolResult{"flaky": {Content: "eventually ok"}},
		failN:   map[string]int{"flaky": 2},
	}
	store := &recordingStore{}
	exec := New(tools, store, nil, nil)
	exec.stepTimeout = DefaultStepTimeout

	wf := domain.Workflow{
		ID: "wf-4",
		Steps: []domain.Step{
			{ID: "s1", Tool: "flaky", ErrorPolicy: domain.ErrorPolicyRetry, Input: map[string]domain.InputValue{}},
		},
	}

	result, err := exec.Execute(context.Background(), wf, "manual")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, result.Status)
	require.Equal(t, domain.StepSuccess, result.Steps[0].Status)
	require.Equal(t, "eventually ok", result.Steps[0].Output)
}

func TestExecuteCancelMarksExecutionCancelled(t *testing.T) {
	tools := &fakeTools{}
	store := &recordingStore{}
	exec := New(tools, store, nil, nil)

	wf := domain.Workflow{ID: "wf-5", Steps: []domain.Step{{ID: "s1", Tool: "noop", Input: map[string]domain.InputValue{}}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := exec.Execute(ctx, wf, "manual")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, result.Status)
}

func TestResolveInputsFallsBackToRawOutputWhenPathAbsent(t *testing.T) {
	resolved, err := resolveInputs(map[string]domain.InputValue{
		"lit":     literal("hello"),
		"missing": {Ref: &domain.InputRef{StepID: "p", JSONPath: "nope"}},
	}, map[string]string{"p": "not json"})

	require.NoError(t, err)
	require.Equal(t, "hello", resolved["lit"])
	require.Equal(t, "not json", resolved["missing"])
}
