package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tidalflow/tidalflow/pkg/models"
)

// JSONB is a map-valued JSONB column.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// DAGDocument stores a whole DAG definition in a JSONB column.
type DAGDocument struct {
	DAG *models.DAG
}

// Value implements driver.Valuer.
func (d DAGDocument) Value() (driver.Value, error) {
	if d.DAG == nil {
		return nil, nil
	}
	return json.Marshal(d.DAG)
}

// Scan implements sql.Scanner.
func (d *DAGDocument) Scan(value interface{}) error {
	if value == nil {
		d.DAG = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	var dag models.DAG
	if err := json.Unmarshal(bytes, &dag); err != nil {
		return err
	}
	d.DAG = &dag
	return nil
}

// WorkflowModel is the workflows table row.
type WorkflowModel struct {
	ID        uuid.UUID   `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Name      string      `gorm:"type:varchar(255);unique;not null;index:idx_workflows_name"`
	Schedule  string      `gorm:"type:varchar(100)"`
	Status    string      `gorm:"type:varchar(50);not null;default:'ACTIVE';index:idx_workflows_status"`
	DAG       DAGDocument `gorm:"type:jsonb;not null"`
	CreatedAt time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (WorkflowModel) TableName() string {
	return "workflows"
}

// WorkflowRunModel is the workflow_runs table row.
type WorkflowRunModel struct {
	ID         uuid.UUID   `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	WorkflowID uuid.UUID   `gorm:"type:uuid;not null;index:idx_workflow_runs_workflow_id"`
	Status     string      `gorm:"type:varchar(50);not null;default:'PENDING';index:idx_workflow_runs_status"`
	DAG        DAGDocument `gorm:"type:jsonb;not null"` // snapshot at trigger time
	StartedAt  time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_workflow_runs_started_at"`
	FinishedAt *time.Time
	Version    int `gorm:"not null;default:1"`

	Workflow WorkflowModel  `gorm:"foreignKey:WorkflowID"`
	TaskRuns []TaskRunModel `gorm:"foreignKey:WorkflowRunID"`
}

func (WorkflowRunModel) TableName() string {
	return "workflow_runs"
}

// TaskRunModel is the task_runs table row. A retry reuses the row: status
// returns to PENDING and attempt increments.
type TaskRunModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	WorkflowRunID uuid.UUID `gorm:"type:uuid;not null;index:idx_task_runs_workflow_run_id"`
	TaskID        string    `gorm:"type:varchar(255);not null;index:idx_task_runs_task_id"`
	LoopIndex     *int
	Attempt       int    `gorm:"not null;default:1"`
	MaxAttempts   int    `gorm:"not null;default:1"`
	Status        string `gorm:"type:varchar(50);not null;default:'PENDING';index:idx_task_runs_status"`
	Result        JSONB  `gorm:"type:jsonb"`
	Log           string `gorm:"type:text"`
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Version       int       `gorm:"not null;default:1"`

	WorkflowRun WorkflowRunModel `gorm:"foreignKey:WorkflowRunID"`
}

func (TaskRunModel) TableName() string {
	return "task_runs"
}

// ToWorkflow converts a row to the domain type.
func (w *WorkflowModel) ToWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:        w.ID.String(),
		Name:      w.Name,
		Schedule:  w.Schedule,
		Status:    models.WorkflowStatus(w.Status),
		DAG:       w.DAG.DAG,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

// FromWorkflow converts a domain workflow to a row.
func FromWorkflow(w *models.Workflow) *WorkflowModel {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		id = uuid.New()
	}
	return &WorkflowModel{
		ID:        id,
		Name:      w.Name,
		Schedule:  w.Schedule,
		Status:    string(w.Status),
		DAG:       DAGDocument{DAG: w.DAG},
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

// ToWorkflowRun converts a row to the domain type.
func (r *WorkflowRunModel) ToWorkflowRun() *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:         r.ID.String(),
		WorkflowID: r.WorkflowID.String(),
		Status:     models.RunStatus(r.Status),
		DAG:        r.DAG.DAG,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// FromWorkflowRun converts a domain run to a row.
func FromWorkflowRun(r *models.WorkflowRun) (*WorkflowRunModel, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		id = uuid.New()
	}
	workflowID, err := uuid.Parse(r.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &WorkflowRunModel{
		ID:         id,
		WorkflowID: workflowID,
		Status:     string(r.Status),
		DAG:        DAGDocument{DAG: r.DAG},
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Version:    1,
	}, nil
}

// ToTaskRun converts a row to the domain type.
func (t *TaskRunModel) ToTaskRun() *models.TaskRun {
	return &models.TaskRun{
		ID:            t.ID.String(),
		WorkflowRunID: t.WorkflowRunID.String(),
		TaskID:        t.TaskID,
		LoopIndex:     t.LoopIndex,
		Attempt:       t.Attempt,
		MaxAttempts:   t.MaxAttempts,
		Status:        models.TaskStatus(t.Status),
		Result:        map[string]interface{}(t.Result),
		Log:           t.Log,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
	}
}

// FromTaskRun converts a domain task run to a row.
func FromTaskRun(t *models.TaskRun) (*TaskRunModel, error) {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		id = uuid.New()
	}
	runID, err := uuid.Parse(t.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	return &TaskRunModel{
		ID:            id,
		WorkflowRunID: runID,
		TaskID:        t.TaskID,
		LoopIndex:     t.LoopIndex,
		Attempt:       t.Attempt,
		MaxAttempts:   t.MaxAttempts,
		Status:        string(t.Status),
		Result:        JSONB(t.Result),
		Log:           t.Log,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
		Version:       1,
	}, nil
}
