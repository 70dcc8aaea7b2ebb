package models

import "time"

// RunStatus is the lifecycle of a WorkflowRun.
type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// IsTerminal reports whether the run can transition no further.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed
}

// TaskStatus is the lifecycle of a TaskRun. SKIPPED is terminal and
// reachable only from PENDING or RUNNING (condition not met, branch not
// taken, or unsatisfiable trigger rule).
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailed  TaskStatus = "FAILED"
	TaskSkipped TaskStatus = "SKIPPED"
)

// IsTerminal reports whether the task run has settled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskSkipped
}

// WorkflowRun is one execution of a workflow's DAG snapshot.
type WorkflowRun struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Status     RunStatus  `json:"status"`
	DAG        *DAG       `json:"dag,omitempty"` // snapshot taken at trigger time
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskRun is one node instance inside a WorkflowRun. Loop nodes produce one
// TaskRun per foreach item, distinguished by LoopIndex. A retry reuses the
// row: status returns to PENDING and Attempt increments.
type TaskRun struct {
	ID            string                 `json:"id"`
	WorkflowRunID string                 `json:"workflow_run_id"`
	TaskID        string                 `json:"task_id"`
	LoopIndex     *int                   `json:"loop_index,omitempty"`
	Attempt       int                    `json:"attempt"`
	MaxAttempts   int                    `json:"max_attempts"`
	Status        TaskStatus             `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Log           string                 `json:"log,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
}
