package dto

import (
	"time"

	"github.com/tidalflow/tidalflow/pkg/models"
)

// TriggerRunResponse acknowledges a manual trigger. Execution continues
// asynchronously; poll the run id for progress.
type TriggerRunResponse struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// WorkflowRunResponse is the API view of a workflow run.
type WorkflowRunResponse struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	Status     string      `json:"status"`
	DAG        *models.DAG `json:"dag,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// WorkflowRunListResponse is a page of runs. Listings omit the DAG
// snapshot.
type WorkflowRunListResponse struct {
	Runs       []WorkflowRunResponse `json:"runs"`
	Pagination PaginationMeta        `json:"pagination"`
}

// ToWorkflowRunResponse converts a run into its API view.
func ToWorkflowRunResponse(r *models.WorkflowRun, includeDAG bool) WorkflowRunResponse {
	resp := WorkflowRunResponse{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Status:     string(r.Status),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if includeDAG {
		resp.DAG = r.DAG
	}
	return resp
}

// TaskRunResponse is the API view of a task run.
type TaskRunResponse struct {
	ID            string                 `json:"id"`
	WorkflowRunID string                 `json:"workflow_run_id"`
	TaskID        string                 `json:"task_id"`
	LoopIndex     *int                   `json:"loop_index,omitempty"`
	Attempt       int                    `json:"attempt"`
	MaxAttempts   int                    `json:"max_attempts"`
	Status        string                 `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Log           string                 `json:"log,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
}

// TaskRunListResponse lists the task runs of one workflow run.
type TaskRunListResponse struct {
	TaskRuns []TaskRunResponse `json:"task_runs"`
}

// ToTaskRunResponse converts a task run into its API view.
func ToTaskRunResponse(t *models.TaskRun) TaskRunResponse {
	return TaskRunResponse{
		ID:            t.ID,
		WorkflowRunID: t.WorkflowRunID,
		TaskID:        t.TaskID,
		LoopIndex:     t.LoopIndex,
		Attempt:       t.Attempt,
		MaxAttempts:   t.MaxAttempts,
		Status:        string(t.Status),
		Result:        t.Result,
		Log:           t.Log,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
	}
}
