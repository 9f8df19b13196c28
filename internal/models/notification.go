package models

import "time"

// Notification is a broadcast message created by an administrator.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"message"`
	Kind      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ParentNotification is the per-parent read/unread join record.
type ParentNotification struct {
	ID             string        `json:"id"`
	ParentID       string        `json:"parent_id"`
	NotificationID string        `json:"notification_id"`
	Read           bool          `json:"is_read"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	Notification   *Notification `json:"notification,omitempty"`
}
