package api

import "billing-pipeline/domain"

const postEventMaxSize = 64 * 1024 // 64 KiB

// POST /api/events response body
type postEventResponse struct {
	DedupKey  string `json:"dedupKey,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GET /api/history/:entityType/:entityID response body
type historyResponse struct {
	Records []domain.ChangeHistoryRecord `json:"records"`
	Total   int                          `json:"total"`
}

// GET /api/notifications response body
type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Total         int                   `json:"total"`
	UnreadCount   int                   `json:"unreadCount"`
}

// PATCH /api/notifications/read-all response body
type readAllResponse struct {
	Updated int `json:"updated"`
}
