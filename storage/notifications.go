package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"billing-pipeline/domain"
)

type notificationEntity struct {
	aztables.Entity
	ID          string `json:"ID"`
	Type        string `json:"Type"`
	Message     string `json:"Message"`
	IsRead      bool   `json:"IsRead"`
	CommentID   string `json:"CommentID"`
	ActorUserID string `json:"ActorUserID"`
	CreatedAt   string `json:"CreatedAt"`
}

// CreateNotifications persists the given notifications, partitioned by
// recipient so a user's feed is a single partition scan.
func (s *Storage) CreateNotifications(ctx context.Context, notifications []domain.Notification) error {
	for _, n := range notifications {
		data, err := encodeNotification(n)
		if err != nil {
			return err
		}
		if _, err := s.notificationsTable.AddEntity(ctx, data, nil); err != nil {
			if isConflict(err) {
				// Same id written by an earlier attempt.
				continue
			}
			return err
		}
	}
	return nil
}

// ListNotifications returns one page of the user's notifications, newest
// first, with the total count and the number still unread.
func (s *Storage) ListNotifications(ctx context.Context, userID string, limit, offset int) ([]domain.Notification, int, int, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", userID)
	pager := s.notificationsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	items := []domain.Notification{}
	total := 0
	unread := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, 0, 0, err
		}
		for _, e := range resp.Entities {
			n, err := decodeNotificationEntity(e, userID)
			if err != nil {
				return nil, 0, 0, err
			}
			idx := total
			total++
			if !n.IsRead {
				unread++
			}
			if idx < offset || len(items) >= limit {
				continue
			}
			items = append(items, n)
		}
	}
	return items, total, unread, nil
}

// ListNotificationsSince returns the user's notifications with ids greater
// than sinceID, oldest first. It backs the reconnect backfill.
func (s *Storage) ListNotificationsSince(ctx context.Context, userID string, sinceID int64) ([]domain.Notification, error) {
	// Larger ids have lexically smaller row keys.
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey lt '%s'", userID, invertedRowKey(sinceID))
	pager := s.notificationsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	items := []domain.Notification{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			n, err := decodeNotificationEntity(e, userID)
			if err != nil {
				return nil, err
			}
			items = append(items, n)
		}
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// MarkNotificationRead marks one of the user's notifications as read.
// Another user's notification is indistinguishable from a missing one.
func (s *Storage) MarkNotificationRead(ctx context.Context, userID string, id int64) error {
	resp, err := s.notificationsTable.GetEntity(ctx, userID, invertedRowKey(id), nil)
	if err != nil {
		if isNotFound(err) {
			return &notFoundError{kind: "notification", key: strconv.FormatInt(id, 10)}
		}
		return err
	}
	var ent notificationEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return err
	}
	if ent.IsRead {
		return nil
	}
	ent.IsRead = true
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	updateMode := aztables.UpdateModeMerge
	_, err = s.notificationsTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: updateMode})
	return err
}

// MarkAllNotificationsRead marks every unread notification of the user as
// read and returns how many were updated.
func (s *Storage) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and IsRead eq false", userID)
	pager := s.notificationsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	updated := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return updated, err
		}
		for _, e := range resp.Entities {
			var ent notificationEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return updated, err
			}
			ent.IsRead = true
			data, err := json.Marshal(ent)
			if err != nil {
				return updated, err
			}
			if _, err := s.notificationsTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeMerge}); err != nil {
				return updated, err
			}
			updated++
		}
	}
	return updated, nil
}

func encodeNotification(n domain.Notification) ([]byte, error) {
	return json.Marshal(notificationEntity{
		Entity: aztables.Entity{
			PartitionKey: n.RecipientUserID,
			RowKey:       invertedRowKey(n.ID),
		},
		ID:          strconv.FormatInt(n.ID, 10),
		Type:        n.Type,
		Message:     n.Message,
		IsRead:      n.IsRead,
		CommentID:   strconv.FormatInt(n.CommentID, 10),
		ActorUserID: n.ActorUserID,
		CreatedAt:   n.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func decodeNotificationEntity(data []byte, userID string) (domain.Notification, error) {
	var ent notificationEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Notification{}, err
	}
	id, err := strconv.ParseInt(ent.ID, 10, 64)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("notification row %s: bad id: %w", ent.RowKey, err)
	}
	commentID, err := strconv.ParseInt(ent.CommentID, 10, 64)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("notification row %s: bad comment id: %w", ent.RowKey, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("notification row %s: bad timestamp: %w", ent.RowKey, err)
	}
	return domain.Notification{
		ID:              id,
		Type:            ent.Type,
		Message:         ent.Message,
		IsRead:          ent.IsRead,
		CommentID:       commentID,
		ActorUserID:     ent.ActorUserID,
		RecipientUserID: userID,
		CreatedAt:       createdAt,
	}, nil
}
