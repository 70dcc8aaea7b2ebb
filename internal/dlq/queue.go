// Package dlq holds task attempts that exhausted their retry budget, so
// operators can inspect and replay them after fixing the underlying cause.
package dlq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tidalflow/tidalflow/pkg/models"
)

var (
	// ErrNotFound is returned when a DLQ entry is not found.
	ErrNotFound = errors.New("dlq entry not found")

	// ErrAlreadyExists is returned when adding a duplicate entry.
	ErrAlreadyExists = errors.New("dlq entry already exists")
)

// Entry is one dead-lettered task attempt.
type Entry struct {
	ID            string     `json:"id"` // task run id
	TaskRunID     string     `json:"task_run_id"`
	TaskID        string     `json:"task_id"`
	WorkflowRunID string     `json:"workflow_run_id"`
	FailureReason string     `json:"failure_reason"`
	FailureTime   time.Time  `json:"failure_time"`
	Attempts      int        `json:"attempts"`
	ErrorMessage  string     `json:"error_message"`
	Replayed      bool       `json:"replayed"`
	ReplayedAt    *time.Time `json:"replayed_at,omitempty"`
}

// Queue stores dead-lettered attempts.
type Queue interface {
	Add(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filters *Filters) ([]*Entry, error)
	// Replay marks an entry replayed; the caller re-dispatches the attempt.
	Replay(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// Filters narrows DLQ listings.
type Filters struct {
	WorkflowRunID string
	TaskID        string
	Replayed      *bool
	Limit         int
	Offset        int
}

// MemoryQueue is the in-memory Queue used in tests and single-process
// deployments.
type MemoryQueue struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*Entry)}
}

func (q *MemoryQueue) Add(_ context.Context, entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[entry.ID]; exists {
		return ErrAlreadyExists
	}
	q.entries[entry.ID] = entry
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	entry, exists := q.entries[id]
	if !exists {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (q *MemoryQueue) List(_ context.Context, filters *Filters) ([]*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []*Entry
	for _, entry := range q.entries {
		if filters != nil {
			if filters.WorkflowRunID != "" && entry.WorkflowRunID != filters.WorkflowRunID {
				continue
			}
			if filters.TaskID != "" && entry.TaskID != filters.TaskID {
				continue
			}
			if filters.Replayed != nil && entry.Replayed != *filters.Replayed {
				continue
			}
		}
		result = append(result, entry)
	}

	if filters != nil {
		if filters.Offset >= len(result) {
			result = nil
		} else if filters.Offset > 0 {
			result = result[filters.Offset:]
		}
		if filters.Limit > 0 && filters.Limit < len(result) {
			result = result[:filters.Limit]
		}
	}
	return result, nil
}

func (q *MemoryQueue) Replay(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, exists := q.entries[id]
	if !exists {
		return ErrNotFound
	}
	now := time.Now()
	entry.Replayed = true
	entry.ReplayedAt = &now
	return nil
}

func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[id]; !exists {
		return ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Count(_ context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries), nil
}

// Manager is the runner's entry point to the DLQ.
type Manager struct {
	queue        Queue
	onEntryAdded func(*Entry)
}

// NewManager wraps a queue.
func NewManager(queue Queue) *Manager {
	return &Manager{queue: queue}
}

// AddFailedAttempt records a task run whose retries are exhausted.
func (m *Manager) AddFailedAttempt(ctx context.Context, taskRun *models.TaskRun, cause error) error {
	errorMessage := ""
	if cause != nil {
		errorMessage = cause.Error()
	}

	entry := &Entry{
		ID:            taskRun.ID,
		TaskRunID:     taskRun.ID,
		TaskID:        taskRun.TaskID,
		WorkflowRunID: taskRun.WorkflowRunID,
		FailureReason: "max_retries_exceeded",
		FailureTime:   time.Now(),
		Attempts:      taskRun.Attempt,
		ErrorMessage:  errorMessage,
	}
	if err := m.queue.Add(ctx, entry); err != nil {
		return err
	}
	if m.onEntryAdded != nil {
		m.onEntryAdded(entry)
	}
	return nil
}

// OnEntryAdded sets a callback invoked for every new entry.
func (m *Manager) OnEntryAdded(callback func(*Entry)) {
	m.onEntryAdded = callback
}

// Queue exposes the underlying queue for the API layer.
func (m *Manager) Queue() Queue {
	return m.queue
}
