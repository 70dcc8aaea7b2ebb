package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tidalflow/tidalflow/internal/state"
	"github.com/tidalflow/tidalflow/pkg/models"
)

type taskRunRepository struct {
	db           *gorm.DB
	stateManager *state.Manager
}

// NewTaskRunRepository returns the gorm-backed task-run repository.
func NewTaskRunRepository(db *gorm.DB, stateManager *state.Manager) TaskRunRepository {
	return &taskRunRepository{db: db, stateManager: stateManager}
}

func (r *taskRunRepository) Create(ctx context.Context, taskRun *models.TaskRun) error {
	model, err := FromTaskRun(taskRun)
	if err != nil {
		return fmt.Errorf("failed to convert task run to model: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create task run: %w", err)
	}
	taskRun.ID = model.ID.String()
	return nil
}

func (r *taskRunRepository) Get(ctx context.Context, id string) (*models.TaskRun, error) {
	taskRunID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid task run ID: %w", err)
	}

	var model TaskRunModel
	if err := r.db.WithContext(ctx).Where("id = ?", taskRunID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	return model.ToTaskRun(), nil
}

func (r *taskRunRepository) List(ctx context.Context, filters TaskRunFilters) ([]*models.TaskRun, error) {
	query := r.db.WithContext(ctx).Model(&TaskRunModel{})

	if filters.WorkflowRunID != "" {
		runID, err := uuid.Parse(filters.WorkflowRunID)
		if err != nil {
			return nil, fmt.Errorf("invalid workflow run ID: %w", err)
		}
		query = query.Where("workflow_run_id = ?", runID)
	}
	if filters.TaskID != "" {
		query = query.Where("task_id = ?", filters.TaskID)
	}
	if filters.Status != nil {
		query = query.Where("status = ?", string(*filters.Status))
	}
	query = query.Order("created_at ASC")
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var rows []TaskRunModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}

	taskRuns := make([]*models.TaskRun, len(rows))
	for i := range rows {
		taskRuns[i] = rows[i].ToTaskRun()
	}
	return taskRuns, nil
}

func (r *taskRunRepository) Update(ctx context.Context, taskRun *models.TaskRun) error {
	taskRunID, err := uuid.Parse(taskRun.ID)
	if err != nil {
		return fmt.Errorf("invalid task run ID: %w", err)
	}

	result := r.db.WithContext(ctx).Model(&TaskRunModel{}).Where("id = ?", taskRunID).Updates(map[string]interface{}{
		"attempt":     taskRun.Attempt,
		"result":      JSONB(taskRun.Result),
		"log":         taskRun.Log,
		"started_at":  taskRun.StartedAt,
		"finished_at": taskRun.FinishedAt,
		"updated_at":  gorm.Expr("CURRENT_TIMESTAMP"),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update task run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task run %s: %w", taskRun.ID, ErrNotFound)
	}
	return nil
}

func (r *taskRunRepository) UpdateStatus(ctx context.Context, id string, old, new models.TaskStatus) error {
	taskRunID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid task run ID: %w", err)
	}

	if err := r.stateManager.Transition(state.EntityTaskRun, id, string(old), string(new), nil); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":     string(new),
		"version":    gorm.Expr("version + 1"),
		"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
	}
	if new.IsTerminal() {
		updates["finished_at"] = gorm.Expr("CURRENT_TIMESTAMP")
	}

	result := r.db.WithContext(ctx).
		Model(&TaskRunModel{}).
		Where("id = ? AND status = ?", taskRunID, string(old)).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update task run status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return state.ErrOptimisticLock
	}
	return nil
}

func (r *taskRunRepository) ListByRun(ctx context.Context, workflowRunID string) ([]*models.TaskRun, error) {
	return r.List(ctx, TaskRunFilters{WorkflowRunID: workflowRunID})
}
