package models

import "time"

// DeletionRequest represents a pending account or user removal.
type DeletionRequest struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Deletion request status constants
const (
	DeletionStatusPending    = "pending"
	DeletionStatusProcessing = "processing"
	DeletionStatusCompleted  = "completed"
	DeletionStatusFailed     = "failed"
)

// FeedEventRecord is one previously seen event of an ICS feed, keyed by UID and recurrence id.
type FeedEventRecord struct {
	AccountID   string `json:"account_id"`
	EventKey    string `json:"event_key"`
	ContentHash string `json:"content_hash"`
}
