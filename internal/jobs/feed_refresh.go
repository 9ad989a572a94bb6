package jobs

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tminus/maintenance/internal/feed"
	"github.com/tminus/maintenance/internal/storage/models"
)

// Feed refresh outcomes.
const (
	OutcomeManual      = "manual"
	OutcomeRateLimited = "rate_limited"
	OutcomeNotDue      = "not_due"
	OutcomeNotModified = "not_modified"
	OutcomeUnchanged   = "unchanged"
	OutcomeChanged     = "changed"
	OutcomeTransient   = "transient_failure"
	OutcomePermanent   = "permanent_failure"
)

// FeedRefresh polls due ICS feeds and forwards event changes to the user graph.
func (j *Jobs) FeedRefresh(ctx context.Context) (Summary, error) {
	summary := newSummary("feed_refresh")

	accounts, err := j.Accounts.ListByProvider(ctx, models.ProviderICSFeed, models.AccountStatusActive)
	if err != nil {
		return *summary, fmt.Errorf("listing feed accounts: %w", err)
	}
	summary.Candidates = len(accounts)

	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}
		summary.Add(j.refreshFeed(ctx, acct))
	}

	return *summary, nil
}

// refreshInterval returns the feed's interval; zero means manual refresh only.
func (j *Jobs) refreshInterval(acct models.Account) time.Duration {
	if acct.Feed.RefreshIntervalMS == nil {
		return j.Settings.FeedDefaultRefreshRate
	}
	return time.Duration(*acct.Feed.RefreshIntervalMS) * time.Millisecond
}

// skipReason returns the outcome for a feed that must not be fetched this run, or "".
func (j *Jobs) skipReason(acct models.Account, now time.Time) string {
	interval := j.refreshInterval(acct)
	if interval <= 0 {
		return OutcomeManual
	}
	if last := acct.Feed.LastFetchAt; last != nil && now.Sub(*last) < j.Settings.FeedMinFetchInterval {
		return OutcomeRateLimited
	}
	if last := acct.Feed.LastRefreshAt; last != nil && now.Sub(*last) < interval {
		return OutcomeNotDue
	}
	return ""
}

func (j *Jobs) refreshFeed(ctx context.Context, acct models.Account) string {
	now := j.now()
	if reason := j.skipReason(acct, now); reason != "" {
		return reason
	}

	if acct.Feed.SealedURL == nil || *acct.Feed.SealedURL == "" {
		j.Logger.Error("feed account has no url", "account_id", acct.ID)
		return OutcomeFailed
	}
	feedURL, err := j.Encryptor.Decrypt(ctx, *acct.Feed.SealedURL)
	if err != nil {
		j.Logger.Error("decrypting feed url", "account_id", acct.ID, "err", err)
		return OutcomeFailed
	}

	resp, err := j.Fetcher.Fetch(ctx, feedURL, deref(acct.Feed.ETag), deref(acct.Feed.LastModified))
	if err != nil {
		j.Logger.Warn("feed fetch failed", "account_id", acct.ID, "err", err)
		return j.recordFeed(ctx, acct, models.FeedFetchOutcome{FetchedAt: now}, OutcomeTransient)
	}

	switch {
	case resp.NotModified():
		return j.recordFeed(ctx, acct, models.FeedFetchOutcome{
			FetchedAt:    now,
			Refreshed:    true,
			ETag:         optional(resp.ETag),
			LastModified: optional(resp.LastModified),
		}, OutcomeNotModified)
	case resp.Permanent():
		j.Logger.Warn("feed permanently unavailable", "account_id", acct.ID, "status", resp.StatusCode)
		return j.recordFeed(ctx, acct, models.FeedFetchOutcome{FetchedAt: now, MarkError: true}, OutcomePermanent)
	case !resp.OK():
		j.Logger.Warn("feed fetch returned error status", "account_id", acct.ID, "status", resp.StatusCode)
		return j.recordFeed(ctx, acct, models.FeedFetchOutcome{FetchedAt: now}, OutcomeTransient)
	}

	hash := feed.ContentHash(resp.Body)
	refreshed := models.FeedFetchOutcome{
		FetchedAt:    now,
		Refreshed:    true,
		ETag:         optional(resp.ETag),
		LastModified: optional(resp.LastModified),
	}
	if acct.Feed.ContentHash != nil && *acct.Feed.ContentHash == hash {
		return j.recordFeed(ctx, acct, refreshed, OutcomeUnchanged)
	}

	if err := j.applyFeedChanges(ctx, acct, resp.Body); err != nil {
		j.Logger.Warn("applying feed changes", "account_id", acct.ID, "err", err)
		return j.recordFeed(ctx, acct, models.FeedFetchOutcome{FetchedAt: now}, OutcomeTransient)
	}

	refreshed.ContentHash = &hash
	return j.recordFeed(ctx, acct, refreshed, OutcomeChanged)
}

// applyFeedChanges parses the body, diffs it against the stored snapshot and
// submits the delta. The snapshot is replaced only after the graph accepts it.
func (j *Jobs) applyFeedChanges(ctx context.Context, acct models.Account, body []byte) error {
	events, err := feed.Parse(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parsing feed: %w", err)
	}

	previous, err := j.FeedEvents.List(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("loading event snapshot: %w", err)
	}

	diff := feed.ComputeDiff(previous, events)
	if !diff.Empty() {
		if err := j.UserGraph.ApplyProviderDelta(ctx, acct.UserID, acct.ID, diff.Deltas); err != nil {
			return fmt.Errorf("applying provider delta: %w", err)
		}
	}

	records := make([]models.FeedEventRecord, 0, len(diff.Snapshot))
	for key, hash := range diff.Snapshot {
		records = append(records, models.FeedEventRecord{AccountID: acct.ID, EventKey: key, ContentHash: hash})
	}
	if err := j.FeedEvents.Replace(ctx, acct.ID, records); err != nil {
		return fmt.Errorf("replacing event snapshot: %w", err)
	}

	j.Logger.Info("feed changes applied", "account_id", acct.ID,
		"created", diff.Created, "updated", diff.Updated, "deleted", diff.Deleted)
	return nil
}

func (j *Jobs) recordFeed(ctx context.Context, acct models.Account, out models.FeedFetchOutcome, outcome string) string {
	if err := j.Accounts.RecordFeedFetch(ctx, acct.ID, out); err != nil {
		j.Logger.Error("recording feed fetch", "account_id", acct.ID, "err", err)
		return OutcomeFailed
	}
	return outcome
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

