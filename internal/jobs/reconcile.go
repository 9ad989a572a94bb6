package jobs

import (
	"context"
	"fmt"

	"github.com/tminus/maintenance/internal/queue"
	"github.com/tminus/maintenance/internal/storage/models"
)

// Reconciliation outcomes.
const (
	OutcomeReconcileSent = "reconcile_sent"
	OutcomeSyncSent      = "sync_sent"
	OutcomeUsersReplayed = "users_replayed"
)

// Reconciliation enqueues a reconcile and a full sync for every live account,
// then replays mirrors once per owning user.
func (j *Jobs) Reconciliation(ctx context.Context) (Summary, error) {
	summary := newSummary("reconciliation")

	accounts, err := j.Accounts.ListByStatus(ctx, models.AccountStatusActive, models.AccountStatusError)
	if err != nil {
		return *summary, fmt.Errorf("listing accounts: %w", err)
	}
	summary.Candidates = len(accounts)

	var processed []models.Account
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}
		processed = append(processed, acct)

		if err := j.ReconcileQueue.Send(ctx, queue.ReconcileAccount(acct.ID, queue.ReasonScheduled)); err != nil {
			j.Logger.Error("enqueueing reconcile", "account_id", acct.ID, "err", err)
			summary.Add(OutcomeFailed)
		} else {
			summary.Add(OutcomeReconcileSent)
		}

		if err := j.SyncQueue.Send(ctx, queue.SyncFull(acct.ID, queue.ReasonReconcile)); err != nil {
			j.Logger.Error("enqueueing full sync", "account_id", acct.ID, "err", err)
			summary.Add(OutcomeFailed)
		} else {
			summary.Add(OutcomeSyncSent)
		}
	}

	for _, userID := range distinctUsers(processed) {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}
		if err := j.UserGraph.RecomputeProjections(ctx, userID, true); err != nil {
			j.Logger.Error("replaying mirrors", "user_id", userID, "err", err)
			summary.Add(OutcomeFailed)
			continue
		}
		summary.Add(OutcomeUsersReplayed)
	}

	return *summary, nil
}
