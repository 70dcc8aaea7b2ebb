package storage

import (
	"context"
	"time"

	"github.com/tidalflow/tidalflow/pkg/models"
)

// WorkflowRepository persists workflow definitions.
type WorkflowRepository interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	GetByName(ctx context.Context, name string) (*models.Workflow, error)
	List(ctx context.Context, filters WorkflowFilters) ([]*models.Workflow, error)
	Update(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id string) error
}

// WorkflowFilters narrows workflow listings.
type WorkflowFilters struct {
	Status    *models.WorkflowStatus
	Scheduled *bool // only workflows with a non-empty schedule
	Limit     int
	Offset    int
}

// WorkflowRunRepository persists workflow runs.
type WorkflowRunRepository interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
	Get(ctx context.Context, id string) (*models.WorkflowRun, error)
	List(ctx context.Context, filters WorkflowRunFilters) ([]*models.WorkflowRun, error)
	// UpdateStatus moves a run from old to new, guarded so concurrent
	// updates and terminal states cannot regress. Sets finished_at when
	// the new status is terminal.
	UpdateStatus(ctx context.Context, id string, old, new models.RunStatus) error
	GetLatestForWorkflow(ctx context.Context, workflowID string) (*models.WorkflowRun, error)
}

// WorkflowRunFilters narrows run listings.
type WorkflowRunFilters struct {
	WorkflowID string
	Status     *models.RunStatus
	After      *time.Time
	Before     *time.Time
	Limit      int
	Offset     int
}

// TaskRunRepository persists task runs.
type TaskRunRepository interface {
	Create(ctx context.Context, taskRun *models.TaskRun) error
	Get(ctx context.Context, id string) (*models.TaskRun, error)
	List(ctx context.Context, filters TaskRunFilters) ([]*models.TaskRun, error)
	// Update persists result, log, attempt, and timestamps wholesale.
	Update(ctx context.Context, taskRun *models.TaskRun) error
	// UpdateStatus moves a task run from old to new under the same
	// optimistic guard as workflow runs.
	UpdateStatus(ctx context.Context, id string, old, new models.TaskStatus) error
	ListByRun(ctx context.Context, workflowRunID string) ([]*models.TaskRun, error)
}

// TaskRunFilters narrows task-run listings.
type TaskRunFilters struct {
	WorkflowRunID string
	TaskID        string
	Status        *models.TaskStatus
	Limit         int
	Offset        int
}
