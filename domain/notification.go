package domain

import "time"

// Notification delivery types.
const (
	NotificationMention = "mention"
	NotificationReply   = "reply"
)

// Notification is created by the mention resolver and mutated only by
// read-state transitions (IsRead false -> true). Never deleted in normal
// operation.
type Notification struct {
	ID              int64     `json:"id"`
	Type            string    `json:"type"`
	Message         string    `json:"message"`
	IsRead          bool      `json:"isRead"`
	CommentID       int64     `json:"commentId,omitempty"`
	ActorUserID     string    `json:"actorUserId,omitempty"`
	RecipientUserID string    `json:"recipientUserId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// User is a directory entry used for mention resolution and for denormalizing
// usernames into history responses.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
