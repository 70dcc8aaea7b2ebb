package dto

import (
	"time"

	"github.com/tidalflow/tidalflow/pkg/models"
)

// CreateWorkflowRequest creates a workflow. The DAG is validated before
// the workflow is stored; new workflows start ACTIVE unless a status is
// given.
type CreateWorkflowRequest struct {
	Name     string      `json:"name" binding:"required"`
	Schedule string      `json:"schedule"`
	Status   string      `json:"status"`
	DAG      *models.DAG `json:"dag" binding:"required"`
}

// ToWorkflow converts the request into a model.
func (r *CreateWorkflowRequest) ToWorkflow() *models.Workflow {
	status := models.WorkflowStatus(r.Status)
	if status == "" {
		status = models.WorkflowActive
	}
	return &models.Workflow{
		Name:     r.Name,
		Schedule: r.Schedule,
		Status:   status,
		DAG:      r.DAG,
	}
}

// UpdateWorkflowRequest patches a workflow. Nil fields are left unchanged;
// an empty non-nil schedule clears it.
type UpdateWorkflowRequest struct {
	Name     *string     `json:"name"`
	Schedule *string     `json:"schedule"`
	Status   *string     `json:"status"`
	DAG      *models.DAG `json:"dag"`
}

// WorkflowResponse is the API view of a workflow.
type WorkflowResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Schedule  string      `json:"schedule,omitempty"`
	Status    string      `json:"status"`
	DAG       *models.DAG `json:"dag,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// WorkflowListResponse is a page of workflows. Listings omit the DAG body.
type WorkflowListResponse struct {
	Workflows  []WorkflowResponse `json:"workflows"`
	Pagination PaginationMeta     `json:"pagination"`
}

// ToWorkflowResponse converts a model into its API view.
func ToWorkflowResponse(w *models.Workflow, includeDAG bool) WorkflowResponse {
	resp := WorkflowResponse{
		ID:        w.ID,
		Name:      w.Name,
		Schedule:  w.Schedule,
		Status:    string(w.Status),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	if includeDAG {
		resp.DAG = w.DAG
	}
	return resp
}
