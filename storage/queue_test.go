package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"billing-pipeline/domain"
)

func TestEnqueueChangeEventSerializesEvent(t *testing.T) {
	fq := &fakeEventQueue{}
	s := &Storage{eventQueue: fq}

	ev := domain.ChangeEvent{
		EntityType:   domain.EntityCampaign,
		EntityID:     7,
		FieldChanges: []domain.FieldChange{{Field: "budget", OldValue: float64(1), NewValue: float64(2)}},
		ActorUserID:  "u1",
		OccurredAt:   time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		DedupKey:     "evt-42",
	}
	if err := s.EnqueueChangeEvent(context.Background(), ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fq.messages))
	}

	var got domain.ChangeEvent
	if err := json.Unmarshal([]byte(fq.messages[0]), &got); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if got.DedupKey != "evt-42" || got.EntityType != domain.EntityCampaign || got.EntityID != 7 {
		t.Fatalf("unexpected event: %+v", got)
	}
	if len(got.FieldChanges) != 1 || got.FieldChanges[0].Field != "budget" {
		t.Fatalf("field changes not preserved: %+v", got.FieldChanges)
	}
}

func TestEnqueueChangeEventPropagatesErrors(t *testing.T) {
	fq := &fakeEventQueue{err: errors.New("queue down")}
	s := &Storage{eventQueue: fq}

	if err := s.EnqueueChangeEvent(context.Background(), domain.ChangeEvent{}); err == nil {
		t.Fatal("expected error")
	}
}
