// Package models contains the registry rows the maintenance engine reads and mutates.
package models

import (
	"time"
)

// Account represents one externally-connected calendar source.
type Account struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Provider        string     `json:"provider"`
	ProviderSubject string     `json:"provider_subject"`
	Status          string     `json:"status"`
	ChannelID       *string    `json:"channel_id,omitempty"`
	ChannelToken    *string    `json:"-"`
	ChannelExpiry   *time.Time `json:"channel_expiry_ts,omitempty"`
	ResourceID      *string    `json:"resource_id,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_ts,omitempty"`
	Feed            FeedState  `json:"feed"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// FeedState holds the polling bookkeeping of an ICS feed account.
type FeedState struct {
	// SealedURL is the feed URL as stored, encrypted by the configured Encryptor.
	SealedURL           *string    `json:"-"`
	ETag                *string    `json:"etag,omitempty"`
	LastModified        *string    `json:"last_modified,omitempty"`
	ContentHash         *string    `json:"content_hash,omitempty"`
	LastRefreshAt       *time.Time `json:"last_refresh_at,omitempty"`
	LastFetchAt         *time.Time `json:"last_fetch_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	// RefreshIntervalMS is nil when the feed uses the default interval; 0 means manual only.
	RefreshIntervalMS *int64 `json:"refresh_interval_ms,omitempty"`
}

// Provider constants
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderICSFeed   = "ics_feed"
)

// Account status constants. Any other value is terminal and excluded from every job.
const (
	AccountStatusActive = "active"
	AccountStatusError  = "error"
)

// ChannelUpdate is the subscription metadata written after a provider confirms a new channel.
type ChannelUpdate struct {
	ChannelID    string
	ChannelToken string
	ResourceID   string
	Expiry       time.Time
}

// FeedFetchOutcome describes how a single feed poll should be recorded.
type FeedFetchOutcome struct {
	FetchedAt time.Time
	// Refreshed marks a successful poll (200 or 304); it sets last_refresh_at and clears failures.
	Refreshed bool
	// MarkError moves the account to status error.
	MarkError    bool
	ETag         *string
	LastModified *string
	ContentHash  *string
}
