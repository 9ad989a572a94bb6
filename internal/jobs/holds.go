package jobs

import (
	"context"
	"fmt"

	"github.com/tminus/maintenance/internal/actor"
	"github.com/tminus/maintenance/internal/queue"
)

// Hold expiry outcomes.
const (
	OutcomeExpired         = "expired"
	OutcomeMirrorsDeleted  = "mirror_deletes_sent"
	OutcomeSessionsExpired = "sessions_expired"
)

// HoldExpiryKey is the idempotency key of the mirror delete issued for an expired hold.
func HoldExpiryKey(holdID string) string {
	return "hold-expiry:" + holdID
}

// HoldExpiry expires tentative holds past their deadline and closes sessions
// whose holds are all terminal.
func (j *Jobs) HoldExpiry(ctx context.Context) (Summary, error) {
	summary := newSummary("hold_expiry")

	users, err := j.Accounts.ListUserIDs(ctx)
	if err != nil {
		return *summary, fmt.Errorf("listing users: %w", err)
	}
	summary.Candidates = len(users)

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}

		holds, err := j.UserGraph.GetExpiredHolds(ctx, userID)
		if err != nil {
			j.Logger.Error("listing expired holds", "user_id", userID, "err", err)
			summary.Add(OutcomeFailed)
			continue
		}
		j.expireHolds(ctx, userID, holds, summary)
	}

	return *summary, nil
}

func (j *Jobs) expireHolds(ctx context.Context, userID string, holds []actor.Hold, summary *Summary) {
	var sessions []string
	bySession := make(map[string][]actor.Hold)
	for _, hold := range holds {
		if hold.Status != "" && hold.Status != actor.HoldStatusTentative {
			continue
		}
		if _, seen := bySession[hold.SessionID]; !seen {
			sessions = append(sessions, hold.SessionID)
		}
		bySession[hold.SessionID] = append(bySession[hold.SessionID], hold)
	}

	for _, sessionID := range sessions {
		for _, hold := range bySession[sessionID] {
			if hold.ProviderEventID != "" {
				canonicalID := hold.CanonicalEventID
				if canonicalID == "" {
					canonicalID = hold.ID
				}
				msg := queue.DeleteMirror(canonicalID, hold.AccountID, hold.ProviderEventID, HoldExpiryKey(hold.ID))
				if err := j.MirrorQueue.Send(ctx, msg); err != nil {
					j.Logger.Error("enqueueing mirror delete", "user_id", userID, "hold_id", hold.ID, "err", err)
					summary.Add(OutcomeFailed)
				} else {
					summary.Add(OutcomeMirrorsDeleted)
				}
			}

			if err := j.UserGraph.UpdateHoldStatus(ctx, userID, hold.ID, actor.HoldStatusExpired); err != nil {
				j.Logger.Error("expiring hold", "user_id", userID, "hold_id", hold.ID, "err", err)
				summary.Add(OutcomeFailed)
				continue
			}
			summary.Add(OutcomeExpired)
		}

		if sessionID == "" {
			continue
		}
		expired, err := j.UserGraph.ExpireSessionIfAllHoldsTerminal(ctx, userID, sessionID)
		if err != nil {
			j.Logger.Error("expiring session", "user_id", userID, "session_id", sessionID, "err", err)
			summary.Add(OutcomeFailed)
			continue
		}
		if expired {
			summary.Add(OutcomeSessionsExpired)
		}
	}
}
