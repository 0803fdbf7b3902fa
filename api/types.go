package api

import (
	"context"

	"billing-pipeline/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	EnqueueChangeEvent(ctx context.Context, ev domain.ChangeEvent) error
	ListHistory(ctx context.Context, entityType string, entityID int64, limit, offset int) ([]domain.ChangeHistoryRecord, int, error)
	ListNotifications(ctx context.Context, userID string, limit, offset int) ([]domain.Notification, int, int, error)
	ListNotificationsSince(ctx context.Context, userID string, sinceID int64) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID string, id int64) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
}

// NotFoundError is returned by storage when the addressed row does not exist
// or belongs to another user.
type NotFoundError interface {
	error
	NotFound()
}

// Authenticator resolves the requesting user from credentials. The stream
// endpoint authenticates with a bare token because EventSource cannot set
// request headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
	UserIDFromToken(string) (string, error)
}

// Deduper prevents re-enqueueing of change events submitted more than once.
type Deduper interface {
	// Add records the dedup key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when enqueueing fails.
	Remove(ctx context.Context, userID, key string) error
}
