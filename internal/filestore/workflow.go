package filestore

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/loveme/daemon/internal/domain"
)

// WorkflowStore persists Workflow definitions and their WorkflowExecution
// journal under Home.WorkflowsDir()/ExecutionsDir(), one file per entity
// (spec §4.4). A single mutex serializes writes; reads pass straight
// through to disk since the file layout itself is the source of truth —
// there is no in-memory cache to keep coherent.
type WorkflowStore struct {
	home *Home
	mu   sync.Mutex
}

// NewWorkflowStore wraps home for workflow and execution persistence.
func NewWorkflowStore(home *Home) *WorkflowStore {
	return &WorkflowStore{home: home}
}

// Create persists a new workflow. Returns *domain.ConflictError if id
// already exists.
func (s *WorkflowStore) Create(wf domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.home.WorkflowFile(wf.ID)
	if exists(path) {
		return &domain.ConflictError{Kind: "workflow", ID: wf.ID}
	}
	return writeJSONAtomic(path, wf)
}

// Get loads a single workflow by id. Returns *domain.NotFoundError if
// absent.
func (s *WorkflowStore) Get(id string) (domain.Workflow, error) {
	var wf domain.Workflow
	if err := readJSON(s.home.WorkflowFile(id), &wf); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Workflow{}, &domain.NotFoundError{Kind: "workflow", ID: id}
		}
		return domain.Workflow{}, err
	}
	return wf, nil
}

// Update overwrites an existing workflow. Returns *domain.NotFoundError if
// id does not already exist — Update never creates.
func (s *WorkflowStore) Update(wf domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.home.WorkflowFile(wf.ID)
	if !exists(path) {
		return &domain.NotFoundError{Kind: "workflow", ID: wf.ID}
	}
	return writeJSONAtomic(path, wf)
}

// Delete removes a workflow definition. It does not touch any executions
// already recorded for it — the execution journal outlives the workflow
// that produced it, per spec §4.4.
func (s *WorkflowStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.home.WorkflowFile(id)
	if !exists(path) {
		return &domain.NotFoundError{Kind: "workflow", ID: id}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("filestore: delete workflow %s: %w", id, err)
	}
	return nil
}

// List returns every workflow's summary projection, sorted by id.
func (s *WorkflowStore) List() ([]domain.Summary, error) {
	ids, err := listJSONIDs(s.home.WorkflowsDir())
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.Summary, 0, len(ids))
	for _, id := range ids {
		wf, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, wf.ToSummary())
	}
	return summaries, nil
}

// UpsertExecution creates or overwrites one execution record — the
// Executor calls this on every state transition (start, each step
// completion, terminal status) so a watcher reading the file between
// writes always sees a consistent, fully-written snapshot.
func (s *WorkflowStore) UpsertExecution(exec domain.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.home.ExecutionFile(exec.ID), exec)
}

// GetExecution loads a single execution record by id.
func (s *WorkflowStore) GetExecution(id string) (domain.WorkflowExecution, error) {
	var exec domain.WorkflowExecution
	if err := readJSON(s.home.ExecutionFile(id), &exec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.WorkflowExecution{}, &domain.NotFoundError{Kind: "execution", ID: id}
		}
		return domain.WorkflowExecution{}, err
	}
	return exec, nil
}

// ListExecutions returns every recorded execution for workflowID, most
// recent first.
func (s *WorkflowStore) ListExecutions(workflowID string) ([]domain.WorkflowExecution, error) {
	ids, err := listJSONIDs(s.home.ExecutionsDir())
	if err != nil {
		return nil, err
	}

	var out []domain.WorkflowExecution
	for _, id := range ids {
		exec, err := s.GetExecution(id)
		if err != nil {
			return nil, err
		}
		if exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, exec)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
