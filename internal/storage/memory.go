package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidalflow/tidalflow/internal/state"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// In-memory repositories backing tests and single-process development.
// They share the state machine with the gorm implementations so status
// monotonicity behaves identically.

// MemoryStore bundles the three in-memory repositories over one lock.
type MemoryStore struct {
	mu        sync.Mutex
	machine   *state.Machine
	workflows map[string]*models.Workflow
	runs      map[string]*models.WorkflowRun
	taskRuns  map[string]*models.TaskRun
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machine:   state.NewMachine(),
		workflows: make(map[string]*models.Workflow),
		runs:      make(map[string]*models.WorkflowRun),
		taskRuns:  make(map[string]*models.TaskRun),
	}
}

// Workflows returns the workflow repository view.
func (s *MemoryStore) Workflows() WorkflowRepository { return (*memWorkflows)(s) }

// WorkflowRuns returns the run repository view.
func (s *MemoryStore) WorkflowRuns() WorkflowRunRepository { return (*memRuns)(s) }

// TaskRuns returns the task-run repository view.
func (s *MemoryStore) TaskRuns() TaskRunRepository { return (*memTaskRuns)(s) }

func copyWorkflow(w *models.Workflow) *models.Workflow {
	c := *w
	return &c
}

func copyRun(r *models.WorkflowRun) *models.WorkflowRun {
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func copyTaskRun(t *models.TaskRun) *models.TaskRun {
	c := *t
	if t.Result != nil {
		c.Result = make(map[string]interface{}, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	return &c
}

type memWorkflows MemoryStore

func (s *memWorkflows) Create(_ context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workflows {
		if w.Name == workflow.Name {
			return fmt.Errorf("workflow %q: %w", workflow.Name, ErrAlreadyExists)
		}
	}
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	s.workflows[workflow.ID] = copyWorkflow(workflow)
	return nil
}

func (s *memWorkflows) Get(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return copyWorkflow(w), nil
}

func (s *memWorkflows) GetByName(_ context.Context, name string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workflows {
		if w.Name == name {
			return copyWorkflow(w), nil
		}
	}
	return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
}

func (s *memWorkflows) List(_ context.Context, filters WorkflowFilters) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Workflow
	for _, w := range s.workflows {
		if filters.Status != nil && w.Status != *filters.Status {
			continue
		}
		if filters.Scheduled != nil && (w.Schedule != "") != *filters.Scheduled {
			continue
		}
		out = append(out, copyWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memWorkflows) Update(_ context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflow.ID]; !ok {
		return fmt.Errorf("workflow %s: %w", workflow.ID, ErrNotFound)
	}
	workflow.UpdatedAt = time.Now().UTC()
	s.workflows[workflow.ID] = copyWorkflow(workflow)
	return nil
}

func (s *memWorkflows) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workflows, id)
	return nil
}

type memRuns MemoryStore

func (s *memRuns) Create(_ context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *memRuns) Get(_ context.Context, id string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("workflow run %s: %w", id, ErrNotFound)
	}
	return copyRun(r), nil
}

func (s *memRuns) List(_ context.Context, filters WorkflowRunFilters) ([]*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.WorkflowRun
	for _, r := range s.runs {
		if filters.WorkflowID != "" && r.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != nil && r.Status != *filters.Status {
			continue
		}
		if filters.After != nil && !r.StartedAt.After(*filters.After) {
			continue
		}
		if filters.Before != nil && !r.StartedAt.Before(*filters.Before) {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *memRuns) UpdateStatus(_ context.Context, id string, old, new models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("workflow run %s: %w", id, ErrNotFound)
	}
	if err := s.machine.ValidateTransition(state.EntityWorkflowRun, string(old), string(new)); err != nil {
		return err
	}
	if r.Status != old {
		return state.ErrOptimisticLock
	}
	r.Status = new
	if new.IsTerminal() {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}
	return nil
}

func (s *memRuns) GetLatestForWorkflow(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	runs, err := s.List(ctx, WorkflowRunFilters{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs for workflow %s: %w", workflowID, ErrNotFound)
	}
	return runs[0], nil
}

type memTaskRuns MemoryStore

func (s *memTaskRuns) Create(_ context.Context, taskRun *models.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if taskRun.ID == "" {
		taskRun.ID = uuid.NewString()
	}
	s.taskRuns[taskRun.ID] = copyTaskRun(taskRun)
	return nil
}

func (s *memTaskRuns) Get(_ context.Context, id string) (*models.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.taskRuns[id]
	if !ok {
		return nil, fmt.Errorf("task run %s: %w", id, ErrNotFound)
	}
	return copyTaskRun(t), nil
}

func (s *memTaskRuns) List(_ context.Context, filters TaskRunFilters) ([]*models.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TaskRun
	for _, t := range s.taskRuns {
		if filters.WorkflowRunID != "" && t.WorkflowRunID != filters.WorkflowRunID {
			continue
		}
		if filters.TaskID != "" && t.TaskID != filters.TaskID {
			continue
		}
		if filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		out = append(out, copyTaskRun(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		li, lj := 0, 0
		if out[i].LoopIndex != nil {
			li = *out[i].LoopIndex
		}
		if out[j].LoopIndex != nil {
			lj = *out[j].LoopIndex
		}
		return li < lj
	})
	return out, nil
}

func (s *memTaskRuns) Update(_ context.Context, taskRun *models.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.taskRuns[taskRun.ID]
	if !ok {
		return fmt.Errorf("task run %s: %w", taskRun.ID, ErrNotFound)
	}
	existing.Attempt = taskRun.Attempt
	existing.Result = copyTaskRun(taskRun).Result
	existing.Log = taskRun.Log
	existing.StartedAt = taskRun.StartedAt
	existing.FinishedAt = taskRun.FinishedAt
	return nil
}

func (s *memTaskRuns) UpdateStatus(_ context.Context, id string, old, new models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.taskRuns[id]
	if !ok {
		return fmt.Errorf("task run %s: %w", id, ErrNotFound)
	}
	if err := s.machine.ValidateTransition(state.EntityTaskRun, string(old), string(new)); err != nil {
		return err
	}
	if t.Status != old {
		return state.ErrOptimisticLock
	}
	t.Status = new
	if new.IsTerminal() {
		now := time.Now().UTC()
		t.FinishedAt = &now
	}
	return nil
}

func (s *memTaskRuns) ListByRun(ctx context.Context, workflowRunID string) ([]*models.TaskRun, error) {
	return s.List(ctx, TaskRunFilters{WorkflowRunID: workflowRunID})
}
