package domain

import "time"

// ChangeHistoryRecord is one append-only audit entry. For a fixed
// (entityType, entityId) records are totally ordered by ID and never mutated
// after creation. OldValue is nil for entity creation; otherwise it holds the
// previous values of exactly the fields present in NewValue.
type ChangeHistoryRecord struct {
	ID                int64          `json:"id"`
	EntityType        string         `json:"entityType"`
	EntityID          int64          `json:"entityId"`
	OldValue          map[string]any `json:"oldValue,omitempty"`
	NewValue          map[string]any `json:"newValue"`
	ChangedByUserID   string         `json:"changedByUserId"`
	ChangedByUsername string         `json:"changedByUsername"`
	CreatedAt         time.Time      `json:"createdAt"`
	// DedupKey ties the record back to the event that produced it so that
	// redelivered jobs can be detected before appending.
	DedupKey string `json:"-"`
}
