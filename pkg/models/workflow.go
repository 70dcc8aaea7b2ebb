package models

import "time"

// WorkflowStatus gates scheduling: only ACTIVE workflows fire.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowDisabled WorkflowStatus = "DISABLED"
)

// Workflow is a named, optionally scheduled DAG definition.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Schedule  string         `json:"schedule,omitempty"` // 5-field cron, empty = manual only
	Status    WorkflowStatus `json:"status"`
	DAG       *DAG           `json:"dag"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
