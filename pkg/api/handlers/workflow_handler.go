package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/tidalflow/tidalflow/internal/dag"
	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/api/dto"
	"github.com/tidalflow/tidalflow/pkg/api/middleware"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// RunCoordinator starts, drives, and cancels workflow runs.
type RunCoordinator interface {
	StartRun(ctx context.Context, workflowID string) (*models.WorkflowRun, error)
	Execute(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID string) error
}

// WorkflowHandler serves workflow CRUD and manual triggering.
type WorkflowHandler struct {
	workflows   storage.WorkflowRepository
	coordinator RunCoordinator
}

// NewWorkflowHandler returns a workflow handler.
func NewWorkflowHandler(workflows storage.WorkflowRepository, coordinator RunCoordinator) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, coordinator: coordinator}
}

// Create handles POST /api/v1/workflows.
func (h *WorkflowHandler) Create(c *gin.Context) {
	var req dto.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	workflow := req.ToWorkflow()
	if code, msg, ok := validateWorkflow(workflow); !ok {
		middleware.AbortWithError(c, http.StatusBadRequest, code, msg)
		return
	}

	if err := h.workflows.Create(c.Request.Context(), workflow); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			middleware.AbortWithError(c, http.StatusConflict, "WORKFLOW_EXISTS", err.Error())
			return
		}
		middleware.AbortWithError(c, http.StatusInternalServerError, "CREATE_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusCreated, dto.ToWorkflowResponse(workflow, true))
}

// List handles GET /api/v1/workflows.
func (h *WorkflowHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	filters := storage.WorkflowFilters{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	if statusStr := c.Query("status"); statusStr != "" {
		status := models.WorkflowStatus(statusStr)
		filters.Status = &status
	}
	if scheduledStr := c.Query("scheduled"); scheduledStr != "" {
		scheduled := scheduledStr == "true"
		filters.Scheduled = &scheduled
	}

	workflows, err := h.workflows.List(c.Request.Context(), filters)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}

	responses := make([]dto.WorkflowResponse, len(workflows))
	for i, w := range workflows {
		responses[i] = dto.ToWorkflowResponse(w, false)
	}
	c.JSON(http.StatusOK, dto.WorkflowListResponse{
		Workflows:  responses,
		Pagination: dto.NewPaginationMeta(page, pageSize, int64(len(responses))),
	})
}

// Get handles GET /api/v1/workflows/:id.
func (h *WorkflowHandler) Get(c *gin.Context) {
	workflow, err := h.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "workflow not found")
		return
	}
	c.JSON(http.StatusOK, dto.ToWorkflowResponse(workflow, true))
}

// Update handles PATCH /api/v1/workflows/:id.
func (h *WorkflowHandler) Update(c *gin.Context) {
	var req dto.UpdateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	workflow, err := h.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "workflow not found")
		return
	}

	if req.Name != nil {
		workflow.Name = *req.Name
	}
	if req.Schedule != nil {
		workflow.Schedule = *req.Schedule
	}
	if req.Status != nil {
		workflow.Status = models.WorkflowStatus(*req.Status)
	}
	if req.DAG != nil {
		workflow.DAG = req.DAG
	}

	if code, msg, ok := validateWorkflow(workflow); !ok {
		middleware.AbortWithError(c, http.StatusBadRequest, code, msg)
		return
	}

	if err := h.workflows.Update(c.Request.Context(), workflow); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "UPDATE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.ToWorkflowResponse(workflow, true))
}

// Delete handles DELETE /api/v1/workflows/:id.
func (h *WorkflowHandler) Delete(c *gin.Context) {
	if err := h.workflows.Delete(c.Request.Context(), c.Param("id")); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "DELETE_FAILED", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// Trigger handles POST /api/v1/workflows/:id/run. The run is created
// synchronously and executed in the background; the response carries the
// run id to poll.
func (h *WorkflowHandler) Trigger(c *gin.Context) {
	id := c.Param("id")

	workflow, err := h.workflows.Get(c.Request.Context(), id)
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "workflow not found")
		return
	}
	if workflow.Status != models.WorkflowActive {
		middleware.AbortWithError(c, http.StatusConflict, "WORKFLOW_DISABLED", "cannot trigger a disabled workflow")
		return
	}

	run, err := h.coordinator.StartRun(c.Request.Context(), id)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "TRIGGER_FAILED", err.Error())
		return
	}

	go func() {
		if err := h.coordinator.Execute(context.Background(), run.ID); err != nil {
			log.Printf("Run %s failed: %v", run.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, dto.TriggerRunResponse{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
	})
}

// validateWorkflow checks the DAG structure and the cron schedule.
func validateWorkflow(w *models.Workflow) (code, msg string, ok bool) {
	if w.DAG == nil {
		return "INVALID_DAG", "workflow has no dag", false
	}
	if err := dag.Validate(w.DAG); err != nil {
		return "INVALID_DAG", err.Error(), false
	}
	if w.Schedule != "" {
		if _, err := cron.ParseStandard(w.Schedule); err != nil {
			return "INVALID_SCHEDULE", err.Error(), false
		}
	}
	if w.Status != models.WorkflowActive && w.Status != models.WorkflowDisabled {
		return "INVALID_STATUS", "status must be ACTIVE or DISABLED", false
	}
	return "", "", true
}
