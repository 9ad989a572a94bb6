// Package queue carries work envelopes from the maintenance jobs to downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types
const (
	TypeReconcileAccount = "RECONCILE_ACCOUNT"
	TypeSyncFull         = "SYNC_FULL"
	TypeDeleteMirror     = "DELETE_MIRROR"
)

// Reasons attached to account-level messages.
const (
	ReasonScheduled = "scheduled"
	ReasonReconcile = "reconcile"
)

// ErrQueueFull is returned by bounded backends when a send would exceed capacity.
var ErrQueueFull = errors.New("queue: capacity exceeded")

// Message is a typed envelope. Only the fields relevant to Type are set.
type Message struct {
	Type             string `json:"type"`
	AccountID        string `json:"account_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	CanonicalEventID string `json:"canonical_event_id,omitempty"`
	TargetAccountID  string `json:"target_account_id,omitempty"`
	ProviderEventID  string `json:"provider_event_id,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

// ReconcileAccount builds a RECONCILE_ACCOUNT message.
func ReconcileAccount(accountID, reason string) Message {
	return Message{Type: TypeReconcileAccount, AccountID: accountID, Reason: reason}
}

// SyncFull builds a SYNC_FULL message.
func SyncFull(accountID, reason string) Message {
	return Message{Type: TypeSyncFull, AccountID: accountID, Reason: reason}
}

// DeleteMirror builds a DELETE_MIRROR message.
func DeleteMirror(canonicalEventID, targetAccountID, providerEventID, idempotencyKey string) Message {
	return Message{
		Type:             TypeDeleteMirror,
		CanonicalEventID: canonicalEventID,
		TargetAccountID:  targetAccountID,
		ProviderEventID:  providerEventID,
		IdempotencyKey:   idempotencyKey,
	}
}

// Validate checks that the fields required by the message type are present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeReconcileAccount, TypeSyncFull:
		if m.AccountID == "" {
			return fmt.Errorf("%s: account_id is required", m.Type)
		}
	case TypeDeleteMirror:
		if m.TargetAccountID == "" || m.ProviderEventID == "" {
			return fmt.Errorf("%s: target_account_id and provider_event_id are required", m.Type)
		}
		if m.IdempotencyKey == "" {
			return fmt.Errorf("%s: idempotency_key is required", m.Type)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode validates and serialises the message.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Queue is a send-only, at-least-once sink.
type Queue interface {
	Send(ctx context.Context, msg Message) error
}
