// Package actor is the client side of the per-account and per-user durable actors.
//
// Each actor instance owns the state of one entity and serialises its own
// writes; this package only calls through the actor boundary.
package actor

import (
	"context"
	"time"
)

// AccountActor is the contract of the per-account actor, addressed by account id.
type AccountActor interface {
	GetHealth(ctx context.Context, accountID string) (*AccountHealth, error)
	GetAccessToken(ctx context.Context, accountID string) (string, error)
	ListSubscriptions(ctx context.Context, accountID string) ([]Subscription, error)
	RenewSubscription(ctx context.Context, accountID, subscriptionID string) (*Subscription, error)
	StoreSubscription(ctx context.Context, accountID string, sub StoredSubscription) error
}

// UserGraph is the contract of the per-user graph actor, addressed by user id.
type UserGraph interface {
	RecomputeProjections(ctx context.Context, userID string, forceRequeueNonActive bool) error
	GetExpiredHolds(ctx context.Context, userID string) ([]Hold, error)
	UpdateHoldStatus(ctx context.Context, userID, holdID, status string) error
	ExpireSessionIfAllHoldsTerminal(ctx context.Context, userID, sessionID string) (bool, error)
	GetDriftReport(ctx context.Context, userID string) (*DriftReport, error)
	StoreDriftAlerts(ctx context.Context, userID string, report *DriftReport) error
	ApplyProviderDelta(ctx context.Context, userID, accountID string, deltas []ProviderDelta) error
}

// AccountHealth is what the account actor reports about itself.
type AccountHealth struct {
	AccountID      string     `json:"account_id"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	SubscriptionOK bool       `json:"subscription_ok"`
}

// Subscription is a provider push subscription held by an account.
type Subscription struct {
	ID                 string    `json:"subscription_id"`
	Resource           string    `json:"resource,omitempty"`
	ExpirationDateTime time.Time `json:"expiration_date_time"`
}

// StoredSubscription is the channel metadata handed to the account actor after renewal.
type StoredSubscription struct {
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	Expiry     time.Time `json:"expiry"`
}

// Hold status constants
const (
	HoldStatusTentative = "tentative"
	HoldStatusExpired   = "expired"
	HoldStatusReleased  = "released"
	HoldStatusConfirmed = "confirmed"
)

// Hold is a tentative, time-boxed reservation of a candidate meeting slot.
type Hold struct {
	ID               string    `json:"hold_id"`
	SessionID        string    `json:"session_id"`
	AccountID        string    `json:"account_id"`
	ProviderEventID  string    `json:"provider_event_id,omitempty"`
	CanonicalEventID string    `json:"canonical_event_id,omitempty"`
	Status           string    `json:"status"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// DriftReport ranks the overdue relationships of one user.
type DriftReport struct {
	UserID     string       `json:"user_id"`
	ComputedAt time.Time    `json:"computed_at"`
	Alerts     []DriftAlert `json:"alerts"`
}

// DriftAlert is one relationship-staleness signal.
type DriftAlert struct {
	RelationshipID string  `json:"relationship_id"`
	DisplayName    string  `json:"display_name,omitempty"`
	DriftRatio     float64 `json:"drift_ratio"`
	DaysOverdue    int     `json:"days_overdue"`
	Urgency        float64 `json:"urgency"`
}

// Delta types
const (
	DeltaCreated = "created"
	DeltaUpdated = "updated"
	DeltaDeleted = "deleted"
)

// ProviderDelta is one change observed in a provider calendar.
type ProviderDelta struct {
	Type          string         `json:"type"`
	OriginEventID string         `json:"origin_event_id"`
	Event         *ProviderEvent `json:"event,omitempty"`
}

// ProviderEvent is the normalised shape of a provider event.
type ProviderEvent struct {
	UID          string    `json:"uid"`
	RecurrenceID string    `json:"recurrence_id,omitempty"`
	Summary      string    `json:"summary"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	AllDay       bool      `json:"all_day"`
	Status       string    `json:"status,omitempty"`
	RRule        string    `json:"rrule,omitempty"`
}
