package storage

import (
	"context"
	"encoding/json"

	"billing-pipeline/domain"
)

// EnqueueChangeEvent sends one change event to the job queue. The queue's
// at-least-once delivery pairs with the dedup key carried by the event.
func (s *Storage) EnqueueChangeEvent(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.eventQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
