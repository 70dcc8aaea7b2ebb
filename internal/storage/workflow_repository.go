package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tidalflow/tidalflow/pkg/models"
)

type workflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository returns the gorm-backed workflow repository.
func NewWorkflowRepository(db *gorm.DB) WorkflowRepository {
	return &workflowRepository{db: db}
}

func (r *workflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	model := FromWorkflow(workflow)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	workflow.ID = model.ID.String()
	workflow.CreatedAt = model.CreatedAt
	workflow.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *workflowRepository) Get(ctx context.Context, id string) (*models.Workflow, error) {
	workflowID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow ID: %w", err)
	}

	var model WorkflowModel
	if err := r.db.WithContext(ctx).Where("id = ?", workflowID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return model.ToWorkflow(), nil
}

func (r *workflowRepository) GetByName(ctx context.Context, name string) (*models.Workflow, error) {
	var model WorkflowModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow by name: %w", err)
	}
	return model.ToWorkflow(), nil
}

func (r *workflowRepository) List(ctx context.Context, filters WorkflowFilters) ([]*models.Workflow, error) {
	query := r.db.WithContext(ctx).Model(&WorkflowModel{})

	if filters.Status != nil {
		query = query.Where("status = ?", string(*filters.Status))
	}
	if filters.Scheduled != nil {
		if *filters.Scheduled {
			query = query.Where("schedule <> ''")
		} else {
			query = query.Where("schedule = ''")
		}
	}
	query = query.Order("name ASC")
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var rows []WorkflowModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*models.Workflow, len(rows))
	for i := range rows {
		workflows[i] = rows[i].ToWorkflow()
	}
	return workflows, nil
}

func (r *workflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	workflowID, err := uuid.Parse(workflow.ID)
	if err != nil {
		return fmt.Errorf("invalid workflow ID: %w", err)
	}

	model := FromWorkflow(workflow)
	model.ID = workflowID

	result := r.db.WithContext(ctx).Model(&WorkflowModel{}).Where("id = ?", workflowID).Updates(map[string]interface{}{
		"name":       model.Name,
		"schedule":   model.Schedule,
		"status":     model.Status,
		"dag":        model.DAG,
		"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update workflow: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("workflow %s: %w", workflow.ID, ErrNotFound)
	}
	return nil
}

func (r *workflowRepository) Delete(ctx context.Context, id string) error {
	workflowID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid workflow ID: %w", err)
	}
	if err := r.db.WithContext(ctx).Delete(&WorkflowModel{}, "id = ?", workflowID).Error; err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}
