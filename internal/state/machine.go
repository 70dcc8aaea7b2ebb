// Package state enforces the status lifecycles of workflow runs and task
// runs and fans transition events out to interested subscribers (Redis
// pub/sub, the state_history table).
package state

import (
	"errors"
	"fmt"

	"github.com/tidalflow/tidalflow/pkg/models"
)

var (
	// ErrInvalidTransition is returned for a transition outside the lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrOptimisticLock is returned when a guarded update matched no row:
	// the entity moved on concurrently.
	ErrOptimisticLock = errors.New("optimistic lock failed - entity was modified")
)

// Entity types used in transition events and the history table.
const (
	EntityWorkflowRun = "workflow_run"
	EntityTaskRun     = "task_run"
)

// Machine holds the valid-transition tables. Terminal statuses have no
// outgoing edges, which is what makes statuses monotonic. RUNNING -> PENDING
// on task runs is the retry re-queue.
type Machine struct {
	transitions map[string]map[string][]string
}

// NewMachine returns the machine for workflow runs and task runs.
func NewMachine() *Machine {
	return &Machine{
		transitions: map[string]map[string][]string{
			EntityWorkflowRun: {
				string(models.RunPending): {
					string(models.RunRunning),
					string(models.RunFailed),
				},
				string(models.RunRunning): {
					string(models.RunSuccess),
					string(models.RunFailed),
				},
				string(models.RunSuccess): {},
				string(models.RunFailed):  {},
			},
			EntityTaskRun: {
				string(models.TaskPending): {
					string(models.TaskRunning),
					string(models.TaskSkipped),
					string(models.TaskFailed),
				},
				string(models.TaskRunning): {
					string(models.TaskSuccess),
					string(models.TaskFailed),
					string(models.TaskSkipped),
					string(models.TaskPending),
				},
				string(models.TaskSuccess): {},
				string(models.TaskFailed):  {},
				string(models.TaskSkipped): {},
			},
		},
	}
}

// CanTransition reports whether entityType may move from -> to. Same-state
// transitions are allowed for idempotent redelivery.
func (m *Machine) CanTransition(entityType, from, to string) bool {
	if from == to {
		return true
	}
	table, ok := m.transitions[entityType]
	if !ok {
		return false
	}
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition (wrapped) when the move is
// not allowed.
func (m *Machine) ValidateTransition(entityType, from, to string) error {
	if !m.CanTransition(entityType, from, to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, entityType, from, to)
	}
	return nil
}

// TransitionEvent describes one status change.
type TransitionEvent struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	OldState   string                 `json:"old_state"`
	NewState   string                 `json:"new_state"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EventPublisher receives transition events.
type EventPublisher interface {
	Publish(event TransitionEvent) error
}

// NoOpPublisher discards events; used in tests and single-process setups.
type NoOpPublisher struct{}

func (*NoOpPublisher) Publish(TransitionEvent) error { return nil }

// Manager validates transitions and publishes the resulting events.
type Manager struct {
	machine   *Machine
	publisher EventPublisher
}

// NewManager returns a manager; a nil publisher means events are discarded.
func NewManager(publisher EventPublisher) *Manager {
	if publisher == nil {
		publisher = &NoOpPublisher{}
	}
	return &Manager{machine: NewMachine(), publisher: publisher}
}

// Transition validates the move and publishes the event.
func (m *Manager) Transition(entityType, entityID, from, to string, metadata map[string]interface{}) error {
	if err := m.machine.ValidateTransition(entityType, from, to); err != nil {
		return err
	}
	event := TransitionEvent{
		EntityType: entityType,
		EntityID:   entityID,
		OldState:   from,
		NewState:   to,
		Metadata:   metadata,
	}
	if err := m.publisher.Publish(event); err != nil {
		return fmt.Errorf("failed to publish state transition event: %w", err)
	}
	return nil
}

// CanTransition delegates to the machine.
func (m *Manager) CanTransition(entityType, from, to string) bool {
	return m.machine.CanTransition(entityType, from, to)
}
