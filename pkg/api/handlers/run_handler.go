package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/api/dto"
	"github.com/tidalflow/tidalflow/pkg/api/middleware"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// RunHandler serves workflow run and task run queries.
type RunHandler struct {
	runs        storage.WorkflowRunRepository
	taskRuns    storage.TaskRunRepository
	coordinator RunCoordinator
}

// NewRunHandler returns a run handler.
func NewRunHandler(runs storage.WorkflowRunRepository, taskRuns storage.TaskRunRepository, coordinator RunCoordinator) *RunHandler {
	return &RunHandler{runs: runs, taskRuns: taskRuns, coordinator: coordinator}
}

// List handles GET /api/v1/runs.
func (h *RunHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	filters := storage.WorkflowRunFilters{
		WorkflowID: c.Query("workflow_id"),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}
	if statusStr := c.Query("status"); statusStr != "" {
		status := models.RunStatus(statusStr)
		filters.Status = &status
	}

	runs, err := h.runs.List(c.Request.Context(), filters)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}

	responses := make([]dto.WorkflowRunResponse, len(runs))
	for i, r := range runs {
		responses[i] = dto.ToWorkflowRunResponse(r, false)
	}
	c.JSON(http.StatusOK, dto.WorkflowRunListResponse{
		Runs:       responses,
		Pagination: dto.NewPaginationMeta(page, pageSize, int64(len(responses))),
	})
}

// Get handles GET /api/v1/runs/:id.
func (h *RunHandler) Get(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "RUN_NOT_FOUND", "workflow run not found")
		return
	}
	c.JSON(http.StatusOK, dto.ToWorkflowRunResponse(run, true))
}

// Cancel handles POST /api/v1/runs/:id/cancel.
func (h *RunHandler) Cancel(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.runs.Get(c.Request.Context(), id); err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "RUN_NOT_FOUND", "workflow run not found")
		return
	}
	if err := h.coordinator.Cancel(c.Request.Context(), id); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "CANCEL_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "run cancelled"})
}

// ListTaskRuns handles GET /api/v1/runs/:id/tasks.
func (h *RunHandler) ListTaskRuns(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.runs.Get(c.Request.Context(), id); err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "RUN_NOT_FOUND", "workflow run not found")
		return
	}

	taskRuns, err := h.taskRuns.ListByRun(c.Request.Context(), id)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}

	responses := make([]dto.TaskRunResponse, len(taskRuns))
	for i, t := range taskRuns {
		responses[i] = dto.ToTaskRunResponse(t)
	}
	c.JSON(http.StatusOK, dto.TaskRunListResponse{TaskRuns: responses})
}

// GetTaskRun handles GET /api/v1/task-runs/:id.
func (h *RunHandler) GetTaskRun(c *gin.Context) {
	taskRun, err := h.taskRuns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "TASK_RUN_NOT_FOUND", "task run not found")
		return
	}
	c.JSON(http.StatusOK, dto.ToTaskRunResponse(taskRun))
}
