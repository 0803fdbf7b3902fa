package domain

import (
	"fmt"
	"reflect"
	"time"
)

// Tracked entity types. Unknown types make an event structurally invalid.
const (
	EntityInvoiceLineItem = "invoice_line_item"
	EntityCampaign        = "campaign"
	EntityLineItem        = "line_item"
	EntityComment         = "comment"
)

var trackedEntityTypes = map[string]struct{}{
	EntityInvoiceLineItem: {},
	EntityCampaign:        {},
	EntityLineItem:        {},
	EntityComment:         {},
}

// ValidEntityType reports whether t is a tracked entity type.
func ValidEntityType(t string) bool {
	_, ok := trackedEntityTypes[t]
	return ok
}

// FieldChange is a single field mutation inside a ChangeEvent. Order matters:
// the history writer appends one record per change, preserving this order.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue"`
}

// NoOp reports whether the change leaves the field value untouched.
func (f FieldChange) NoOp() bool {
	return reflect.DeepEqual(f.OldValue, f.NewValue)
}

// CommentContext carries the comment data needed for mention and reply
// resolution. Present only on comment events whose content changed.
type CommentContext struct {
	CommentID          int64  `json:"commentId"`
	Content            string `json:"content"`
	AuthorUserID       string `json:"authorUserId"`
	ParentAuthorUserID string `json:"parentAuthorUserId,omitempty"`
}

// ChangeEvent is emitted by the CRUD write path whenever tracked fields of an
// entity are mutated. It is immutable once accepted; the DedupKey lets the
// pipeline collapse queue redeliveries without duplicating audit rows.
type ChangeEvent struct {
	EntityType   string          `json:"entityType"`
	EntityID     int64           `json:"entityId"`
	FieldChanges []FieldChange   `json:"fieldChanges"`
	ActorUserID  string          `json:"actorUserId"`
	OccurredAt   time.Time       `json:"occurredAt"`
	DedupKey     string          `json:"dedupKey"`
	Comment      *CommentContext `json:"comment,omitempty"`
}

// EntityKey identifies the serialization domain for this event. Events with
// equal keys are processed strictly in order; all others run in parallel.
func (e ChangeEvent) EntityKey() string {
	return fmt.Sprintf("%s-%d", e.EntityType, e.EntityID)
}

// Validate checks structural validity. A failing event can never succeed on
// retry and must be dead-lettered by the consumer.
func (e ChangeEvent) Validate() error {
	if _, ok := trackedEntityTypes[e.EntityType]; !ok {
		return fmt.Errorf("unknown entity type %q", e.EntityType)
	}
	if e.EntityID <= 0 {
		return fmt.Errorf("invalid entity id %d", e.EntityID)
	}
	if len(e.FieldChanges) == 0 {
		return fmt.Errorf("event for %s has no field changes", e.EntityKey())
	}
	for i, fc := range e.FieldChanges {
		if fc.Field == "" {
			return fmt.Errorf("field change %d has empty field name", i)
		}
	}
	if e.ActorUserID == "" {
		return fmt.Errorf("event for %s has no actor", e.EntityKey())
	}
	return nil
}

// EffectiveChanges returns the field changes with no-ops removed, preserving
// order. An event whose changes are all no-ops produces no history records.
func (e ChangeEvent) EffectiveChanges() []FieldChange {
	out := make([]FieldChange, 0, len(e.FieldChanges))
	for _, fc := range e.FieldChanges {
		if fc.NoOp() {
			continue
		}
		out = append(out, fc)
	}
	return out
}
