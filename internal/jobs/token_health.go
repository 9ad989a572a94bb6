package jobs

import (
	"context"
	"fmt"

	"github.com/tminus/maintenance/internal/queue"
	"github.com/tminus/maintenance/internal/storage/models"
)

// Token health outcomes.
const (
	OutcomeRecovered = "recovered"
	OutcomeHealthy   = "healthy"
	OutcomeDegraded  = "degraded"
)

// TokenHealth probes OAuth accounts, moving them between active and error
// as their tokens fail or recover.
func (j *Jobs) TokenHealth(ctx context.Context) (Summary, error) {
	summary := newSummary("token_health")

	accounts, err := j.Accounts.ListOAuthAccounts(ctx, models.AccountStatusActive, models.AccountStatusError)
	if err != nil {
		return *summary, fmt.Errorf("listing oauth accounts: %w", err)
	}
	summary.Candidates = len(accounts)

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}
		summary.Add(j.checkToken(ctx, acct))
	}

	return *summary, nil
}

func (j *Jobs) checkToken(ctx context.Context, acct models.Account) string {
	if _, err := j.AccountActor.GetHealth(ctx, acct.ID); err != nil {
		j.Logger.Warn("account actor unreachable, skipping", "account_id", acct.ID, "err", err)
		return OutcomeSkipped
	}

	if _, err := j.AccountActor.GetAccessToken(ctx, acct.ID); err != nil {
		j.Logger.Warn("access token unavailable", "account_id", acct.ID, "err", err)
		if acct.Status != models.AccountStatusError {
			if err := j.Accounts.UpdateStatus(ctx, acct.ID, models.AccountStatusError); err != nil {
				j.Logger.Error("marking account error", "account_id", acct.ID, "err", err)
				return OutcomeFailed
			}
		}
		return OutcomeDegraded
	}

	if acct.Status != models.AccountStatusError {
		return OutcomeHealthy
	}

	changed, err := j.Accounts.TransitionStatus(ctx, acct.ID, models.AccountStatusError, models.AccountStatusActive)
	if err != nil {
		j.Logger.Error("reactivating account", "account_id", acct.ID, "err", err)
		return OutcomeFailed
	}
	if !changed {
		// A concurrent run already recovered it.
		return OutcomeHealthy
	}
	j.Logger.Info("account recovered", "account_id", acct.ID, "user_id", acct.UserID)

	if err := j.SyncQueue.Send(ctx, queue.SyncFull(acct.ID, queue.ReasonReconcile)); err != nil {
		j.Logger.Error("enqueueing full sync", "account_id", acct.ID, "err", err)
	}
	if err := j.UserGraph.RecomputeProjections(ctx, acct.UserID, true); err != nil {
		j.Logger.Error("replaying mirrors", "account_id", acct.ID, "user_id", acct.UserID, "err", err)
	}
	return OutcomeRecovered
}
