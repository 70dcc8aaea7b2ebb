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

type workflowRunRepository struct {
	db           *gorm.DB
	stateManager *state.Manager
}

// NewWorkflowRunRepository returns the gorm-backed run repository.
func NewWorkflowRunRepository(db *gorm.DB, stateManager *state.Manager) WorkflowRunRepository {
	return &workflowRunRepository{db: db, stateManager: stateManager}
}

func (r *workflowRunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	model, err := FromWorkflowRun(run)
	if err != nil {
		return fmt.Errorf("failed to convert workflow run to model: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	run.ID = model.ID.String()
	return nil
}

func (r *workflowRunRepository) Get(ctx context.Context, id string) (*models.WorkflowRun, error) {
	runID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow run ID: %w", err)
	}

	var model WorkflowRunModel
	if err := r.db.WithContext(ctx).Where("id = ?", runID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return model.ToWorkflowRun(), nil
}

func (r *workflowRunRepository) List(ctx context.Context, filters WorkflowRunFilters) ([]*models.WorkflowRun, error) {
	query := r.db.WithContext(ctx).Model(&WorkflowRunModel{})

	if filters.WorkflowID != "" {
		workflowID, err := uuid.Parse(filters.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("invalid workflow ID: %w", err)
		}
		query = query.Where("workflow_id = ?", workflowID)
	}
	if filters.Status != nil {
		query = query.Where("status = ?", string(*filters.Status))
	}
	if filters.After != nil {
		query = query.Where("started_at > ?", *filters.After)
	}
	if filters.Before != nil {
		query = query.Where("started_at < ?", *filters.Before)
	}
	query = query.Order("started_at DESC")
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var rows []WorkflowRunModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	runs := make([]*models.WorkflowRun, len(rows))
	for i := range rows {
		runs[i] = rows[i].ToWorkflowRun()
	}
	return runs, nil
}

func (r *workflowRunRepository) UpdateStatus(ctx context.Context, id string, old, new models.RunStatus) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid workflow run ID: %w", err)
	}

	if err := r.stateManager.Transition(state.EntityWorkflowRun, id, string(old), string(new), nil); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":  string(new),
		"version": gorm.Expr("version + 1"),
	}
	if new.IsTerminal() {
		updates["finished_at"] = gorm.Expr("CURRENT_TIMESTAMP")
	}

	// guard on the old status so concurrent writers cannot race past
	// the state machine
	result := r.db.WithContext(ctx).
		Model(&WorkflowRunModel{}).
		Where("id = ? AND status = ?", runID, string(old)).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update workflow run status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return state.ErrOptimisticLock
	}
	return nil
}

func (r *workflowRunRepository) GetLatestForWorkflow(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	id, err := uuid.Parse(workflowID)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow ID: %w", err)
	}

	var model WorkflowRunModel
	if err := r.db.WithContext(ctx).
		Where("workflow_id = ?", id).
		Order("started_at DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no runs for workflow %s: %w", workflowID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest workflow run: %w", err)
	}
	return model.ToWorkflowRun(), nil
}
