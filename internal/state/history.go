package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HistoryEntry is one row in the state_history audit table.
type HistoryEntry struct {
	ID         uuid.UUID              `gorm:"type:uuid;primary_key;default:uuid_generate_v4()" json:"id"`
	EntityType string                 `gorm:"type:varchar(50);not null;index:idx_state_history_entity" json:"entity_type"`
	EntityID   uuid.UUID              `gorm:"type:uuid;not null;index:idx_state_history_entity" json:"entity_id"`
	OldState   *string                `gorm:"type:varchar(50)" json:"old_state"`
	NewState   string                 `gorm:"type:varchar(50);not null" json:"new_state"`
	ChangedAt  time.Time              `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_state_history_changed_at" json:"changed_at"`
	Metadata   map[string]interface{} `gorm:"type:jsonb;serializer:json;default:'{}'" json:"metadata"`
}

func (HistoryEntry) TableName() string {
	return "state_history"
}

// HistoryTracker persists transition events for audit and debugging.
type HistoryTracker struct {
	db *gorm.DB
}

// NewHistoryTracker returns a tracker writing to state_history.
func NewHistoryTracker(db *gorm.DB) *HistoryTracker {
	return &HistoryTracker{db: db}
}

// Record appends one transition to the history table.
func (h *HistoryTracker) Record(ctx context.Context, entityType, entityID, oldState, newState string, metadata map[string]interface{}) error {
	entityUUID, err := uuid.Parse(entityID)
	if err != nil {
		return fmt.Errorf("invalid entity ID: %w", err)
	}

	var oldStatePtr *string
	if oldState != "" {
		oldStatePtr = &oldState
	}

	entry := HistoryEntry{
		EntityType: entityType,
		EntityID:   entityUUID,
		OldState:   oldStatePtr,
		NewState:   newState,
		ChangedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
	if err := h.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record state history: %w", err)
	}
	return nil
}

// GetHistory returns an entity's transitions, newest first.
func (h *HistoryTracker) GetHistory(ctx context.Context, entityType, entityID string, limit int) ([]HistoryEntry, error) {
	entityUUID, err := uuid.Parse(entityID)
	if err != nil {
		return nil, fmt.Errorf("invalid entity ID: %w", err)
	}

	var entries []HistoryEntry
	query := h.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityUUID).
		Order("changed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get state history: %w", err)
	}
	return entries, nil
}

// HistoryPublisher adapts the tracker to the EventPublisher interface.
type HistoryPublisher struct {
	tracker *HistoryTracker
}

// NewHistoryPublisher returns a publisher recording into state_history.
func NewHistoryPublisher(db *gorm.DB) *HistoryPublisher {
	return &HistoryPublisher{tracker: NewHistoryTracker(db)}
}

func (p *HistoryPublisher) Publish(event TransitionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.tracker.Record(ctx, event.EntityType, event.EntityID, event.OldState, event.NewState, event.Metadata)
}
