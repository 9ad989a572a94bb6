package jobs

import (
	"context"
	"fmt"

	"github.com/tminus/maintenance/internal/actor"
	"github.com/tminus/maintenance/internal/provider/google"
	"github.com/tminus/maintenance/internal/storage/models"
)

// ChannelRenewal rotates Google push channels that are about to expire or
// have gone quiet.
func (j *Jobs) ChannelRenewal(ctx context.Context) (Summary, error) {
	summary := newSummary("channel_renewal")
	now := j.now()

	accounts, err := j.Accounts.ListChannelRenewalCandidates(ctx,
		now.Add(j.Settings.ChannelRenewalWindow),
		now.Add(-j.Settings.ChannelStaleAfter))
	if err != nil {
		return *summary, fmt.Errorf("listing channel renewal candidates: %w", err)
	}
	summary.Candidates = len(accounts)

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}
		if err := j.renewChannel(ctx, acct); err != nil {
			// A 401/403 will not clear on the next run; token health owns the
			// account status, so it is only flagged here.
			if google.IsUnauthorized(err) {
				j.Logger.Warn("channel renewal rejected by google", "account_id", acct.ID, "permanent", true, "err", err)
			} else {
				j.Logger.Error("channel renewal failed", "account_id", acct.ID, "err", err)
			}
			summary.Add(OutcomeFailed)
			continue
		}
		summary.Add(OutcomeSucceeded)
	}

	return *summary, nil
}

func (j *Jobs) renewChannel(ctx context.Context, acct models.Account) error {
	accessToken, err := j.AccountActor.GetAccessToken(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}

	// The provider may already have dropped the old channel.
	if acct.ChannelID != nil && acct.ResourceID != nil {
		if err := j.Channels.Stop(ctx, accessToken, *acct.ChannelID, *acct.ResourceID); err != nil {
			j.Logger.Debug("stopping old channel", "account_id", acct.ID, "channel_id", *acct.ChannelID, "err", err)
		}
	}

	channelID := j.IDs.New()
	token, err := j.Signer.Sign(acct.ID, channelID)
	if err != nil {
		return fmt.Errorf("signing channel token: %w", err)
	}

	ch, err := j.Channels.Watch(ctx, accessToken, google.WatchRequest{
		ChannelID:  channelID,
		WebhookURL: j.Settings.WebhookURL,
		Token:      token,
	})
	if err != nil {
		return fmt.Errorf("watching calendar: %w", err)
	}

	expiry := ch.Expiry
	if expiry.IsZero() {
		expiry = j.now().Add(j.Settings.DefaultChannelTTL)
	}

	err = j.AccountActor.StoreSubscription(ctx, acct.ID, actor.StoredSubscription{
		ChannelID:  ch.ID,
		ResourceID: ch.ResourceID,
		Expiry:     expiry,
	})
	if err != nil {
		return fmt.Errorf("storing subscription: %w", err)
	}

	err = j.Accounts.UpdateChannel(ctx, acct.ID, models.ChannelUpdate{
		ChannelID:    ch.ID,
		ChannelToken: token,
		ResourceID:   ch.ResourceID,
		Expiry:       expiry,
	})
	if err != nil {
		return fmt.Errorf("updating registry: %w", err)
	}

	j.Logger.Info("channel renewed", "account_id", acct.ID, "channel_id", ch.ID, "expiry", expiry)
	return nil
}
