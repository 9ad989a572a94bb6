package jobs

import (
	"context"
	"fmt"

	"github.com/tminus/maintenance/internal/storage/models"
)

// SubscriptionRenewal extends Microsoft subscriptions expiring inside the renewal window.
func (j *Jobs) SubscriptionRenewal(ctx context.Context) (Summary, error) {
	summary := newSummary("ms_subscription_renewal")
	renewBefore := j.now().Add(j.Settings.SubscriptionWindow)

	accounts, err := j.Accounts.ListByProvider(ctx, models.ProviderMicrosoft, models.AccountStatusActive)
	if err != nil {
		return *summary, fmt.Errorf("listing microsoft accounts: %w", err)
	}
	summary.Candidates = len(accounts)

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}

		subs, err := j.AccountActor.ListSubscriptions(ctx, acct.ID)
		if err != nil {
			j.Logger.Error("listing subscriptions failed", "account_id", acct.ID, "err", err)
			summary.Add(OutcomeFailed)
			continue
		}

		for _, sub := range subs {
			if sub.ExpirationDateTime.After(renewBefore) {
				summary.Add(OutcomeSkipped)
				continue
			}
			renewed, err := j.AccountActor.RenewSubscription(ctx, acct.ID, sub.ID)
			if err != nil {
				j.Logger.Error("subscription renewal failed",
					"account_id", acct.ID, "subscription_id", sub.ID, "err", err)
				summary.Add(OutcomeFailed)
				continue
			}
			attrs := []any{"account_id", acct.ID, "subscription_id", sub.ID}
			if renewed != nil {
				attrs = append(attrs, "expiry", renewed.ExpirationDateTime)
			}
			j.Logger.Info("subscription renewed", attrs...)
			summary.Add(OutcomeSucceeded)
		}
	}

	return *summary, nil
}
