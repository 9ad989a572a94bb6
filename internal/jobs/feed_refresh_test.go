package jobs

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tminus/maintenance/internal/actor"
	"github.com/tminus/maintenance/internal/feed"
	"github.com/tminus/maintenance/internal/storage/models"
)

const feedBody = "BEGIN:VCALENDAR\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1\r\n" +
	"DTSTAMP:20260101T000000Z\r\n" +
	"DTSTART:20260120T090000Z\r\n" +
	"DTEND:20260120T100000Z\r\n" +
	"SUMMARY:Dentist\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-2\r\n" +
	"DTSTART;VALUE=DATE:20260125\r\n" +
	"SUMMARY:Trip\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func feedAccount(id, url string) models.Account {
	return models.Account{
		ID:       id,
		UserID:   "u_" + id,
		Provider: models.ProviderICSFeed,
		Feed:     models.FeedState{SealedURL: strPtr("sealed:" + url)},
	}
}

func (h *harness) snapshot(t *testing.T, accountID string) map[string]string {
	t.Helper()
	snap, err := h.events.List(context.Background(), accountID)
	require.NoError(t, err)
	return snap
}

func TestFeedRefresh_NotModified(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	acct := feedAccount("feed_1", "https://feeds.example.com/1.ics")
	acct.Feed.ETag = strPtr(`"v1"`)
	acct.Feed.ConsecutiveFailures = 3
	acct.Feed.LastRefreshAt = timePtr(now.Add(-time.Hour))
	h.addAccount(t, acct)
	require.NoError(t, h.events.Replace(context.Background(), "feed_1",
		[]models.FeedEventRecord{{AccountID: "feed_1", EventKey: "evt-1", ContentHash: "h"}}))
	h.fetcher.responses["https://feeds.example.com/1.ics"] = &feed.Response{StatusCode: http.StatusNotModified}

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeNotModified))

	require.Len(t, h.fetcher.calls, 1)
	assert.Equal(t, `"v1"`, h.fetcher.calls[0].ETag)

	got := h.account(t, "feed_1")
	assert.Equal(t, 0, got.Feed.ConsecutiveFailures)
	assert.True(t, now.Equal(*got.Feed.LastRefreshAt))
	assert.True(t, now.Equal(*got.Feed.LastFetchAt))
	assert.Equal(t, `"v1"`, *got.Feed.ETag)
	assert.Equal(t, map[string]string{"evt-1": "h"}, h.snapshot(t, "feed_1"))
	assert.Empty(t, h.graph.deltas)
}

func TestFeedRefresh_NotFoundMarksError(t *testing.T) {
	h := newHarness(t)
	acct := feedAccount("feed_1", "https://feeds.example.com/gone.ics")
	acct.Feed.ConsecutiveFailures = 1
	h.addAccount(t, acct)
	h.fetcher.responses["https://feeds.example.com/gone.ics"] = &feed.Response{StatusCode: http.StatusNotFound}

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomePermanent))

	got := h.account(t, "feed_1")
	assert.Equal(t, models.AccountStatusError, got.Status)
	assert.Equal(t, 2, got.Feed.ConsecutiveFailures)
	assert.True(t, h.clock.Now().Equal(*got.Feed.LastFetchAt))
}

func TestFeedRefresh_TransientFailuresKeepStatus(t *testing.T) {
	h := newHarness(t)
	h.addAccount(t, feedAccount("feed_500", "https://feeds.example.com/500.ics"))
	h.addAccount(t, feedAccount("feed_net", "https://feeds.example.com/net.ics"))
	h.fetcher.responses["https://feeds.example.com/500.ics"] = &feed.Response{StatusCode: http.StatusBadGateway}
	h.fetcher.errs["https://feeds.example.com/net.ics"] = errBoom

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count(OutcomeTransient))

	for _, id := range []string{"feed_500", "feed_net"} {
		got := h.account(t, id)
		assert.Equal(t, models.AccountStatusActive, got.Status, id)
		assert.Equal(t, 1, got.Feed.ConsecutiveFailures, id)
		assert.True(t, h.clock.Now().Equal(*got.Feed.LastFetchAt), id)
		assert.Nil(t, got.Feed.LastRefreshAt, id)
	}
}

func TestFeedRefresh_SkipConditions(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	manual := feedAccount("feed_manual", "https://feeds.example.com/manual.ics")
	manual.Feed.RefreshIntervalMS = int64Ptr(0)
	h.addAccount(t, manual)

	limited := feedAccount("feed_limited", "https://feeds.example.com/limited.ics")
	limited.Feed.LastFetchAt = timePtr(now.Add(-2 * time.Minute))
	h.addAccount(t, limited)

	notDue := feedAccount("feed_notdue", "https://feeds.example.com/notdue.ics")
	notDue.Feed.LastFetchAt = timePtr(now.Add(-10 * time.Minute))
	notDue.Feed.LastRefreshAt = timePtr(now.Add(-10 * time.Minute))
	h.addAccount(t, notDue)

	hourly := feedAccount("feed_hourly", "https://feeds.example.com/hourly.ics")
	hourly.Feed.RefreshIntervalMS = int64Ptr(time.Hour.Milliseconds())
	hourly.Feed.LastRefreshAt = timePtr(now.Add(-30 * time.Minute))
	h.addAccount(t, hourly)

	errored := feedAccount("feed_error", "https://feeds.example.com/error.ics")
	errored.Status = models.AccountStatusError
	h.addAccount(t, errored)

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.fetcher.calls)
	assert.Equal(t, 4, summary.Candidates)
	assert.Equal(t, 1, summary.Count(OutcomeManual))
	assert.Equal(t, 1, summary.Count(OutcomeRateLimited))
	assert.Equal(t, 2, summary.Count(OutcomeNotDue))
}

func TestFeedRefresh_ChangedFeedAppliesDelta(t *testing.T) {
	h := newHarness(t)
	h.addAccount(t, feedAccount("feed_1", "https://feeds.example.com/1.ics"))
	require.NoError(t, h.events.Replace(context.Background(), "feed_1",
		[]models.FeedEventRecord{{AccountID: "feed_1", EventKey: "evt-old", ContentHash: "x"}}))
	h.fetcher.responses["https://feeds.example.com/1.ics"] = &feed.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(feedBody),
		ETag:       `"v2"`,
	}

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeChanged))

	require.Len(t, h.graph.deltas, 1)
	kinds := map[string]string{}
	for _, d := range h.graph.deltas[0] {
		kinds[d.OriginEventID] = d.Type
	}
	assert.Equal(t, map[string]string{
		"evt-1":   actor.DeltaCreated,
		"evt-2":   actor.DeltaCreated,
		"evt-old": actor.DeltaDeleted,
	}, kinds)

	snap := h.snapshot(t, "feed_1")
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "evt-1")
	assert.Contains(t, snap, "evt-2")

	got := h.account(t, "feed_1")
	require.NotNil(t, got.Feed.ContentHash)
	assert.Equal(t, feed.ContentHash([]byte(feedBody)), *got.Feed.ContentHash)
	assert.Equal(t, `"v2"`, *got.Feed.ETag)
	assert.Equal(t, 0, got.Feed.ConsecutiveFailures)
	assert.True(t, h.clock.Now().Equal(*got.Feed.LastRefreshAt))
}

func TestFeedRefresh_UnchangedContentSkipsDiff(t *testing.T) {
	h := newHarness(t)
	acct := feedAccount("feed_1", "https://feeds.example.com/1.ics")
	acct.Feed.ContentHash = strPtr(feed.ContentHash([]byte(feedBody)))
	acct.Feed.ConsecutiveFailures = 2
	h.addAccount(t, acct)

	// Only the DTSTAMP differs, which normalisation drops.
	body := strings.Replace(feedBody, "DTSTAMP:20260101T000000Z", "DTSTAMP:20260115T103000Z", 1)
	h.fetcher.responses["https://feeds.example.com/1.ics"] = &feed.Response{
		StatusCode:   http.StatusOK,
		Body:         []byte(body),
		LastModified: "Thu, 15 Jan 2026 10:30:00 GMT",
	}

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeUnchanged))
	assert.Empty(t, h.graph.deltas)

	got := h.account(t, "feed_1")
	assert.Equal(t, 0, got.Feed.ConsecutiveFailures)
	assert.Equal(t, "Thu, 15 Jan 2026 10:30:00 GMT", *got.Feed.LastModified)
	assert.Empty(t, h.snapshot(t, "feed_1"))
}

func TestFeedRefresh_RejectedDeltaIsRetried(t *testing.T) {
	h := newHarness(t)
	h.graph.deltaErr = errBoom
	h.addAccount(t, feedAccount("feed_1", "https://feeds.example.com/1.ics"))
	h.fetcher.responses["https://feeds.example.com/1.ics"] = &feed.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(feedBody),
		ETag:       `"v2"`,
	}

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeTransient))

	got := h.account(t, "feed_1")
	assert.Nil(t, got.Feed.ContentHash)
	assert.Nil(t, got.Feed.ETag)
	assert.Equal(t, 1, got.Feed.ConsecutiveFailures)
	assert.Empty(t, h.snapshot(t, "feed_1"))
}

func TestFeedRefresh_OneFeedFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	bad := feedAccount("feed_a", "unused")
	bad.Feed.SealedURL = strPtr("garbage")
	h.addAccount(t, bad)
	h.addAccount(t, feedAccount("feed_b", "https://feeds.example.com/b.ics"))
	h.fetcher.responses["https://feeds.example.com/b.ics"] = &feed.Response{StatusCode: http.StatusNotModified}

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeFailed))
	assert.Equal(t, 1, summary.Count(OutcomeNotModified))
}

func TestFeedRefresh_NonCalendarBodyKeepsEvents(t *testing.T) {
	h := newHarness(t)
	url := "https://feeds.example.com/1.ics"
	h.addAccount(t, feedAccount("feed_1", url))
	h.fetcher.responses[url] = &feed.Response{StatusCode: http.StatusOK, Body: []byte(feedBody)}

	_, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	require.Len(t, h.snapshot(t, "feed_1"), 2)
	goodHash := *h.account(t, "feed_1").Feed.ContentHash

	// A captive portal answers 200 with a login page.
	h.clock.Advance(time.Hour)
	h.fetcher.responses[url] = &feed.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<!DOCTYPE html>\n<html><body>Sign in to continue</body></html>\n"),
	}

	summary, err := h.jobs.FeedRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeTransient))

	assert.Len(t, h.graph.deltas, 1, "no delta may be sent for a non-calendar body")
	assert.Len(t, h.snapshot(t, "feed_1"), 2)

	got := h.account(t, "feed_1")
	assert.Equal(t, goodHash, *got.Feed.ContentHash)
	assert.Equal(t, 1, got.Feed.ConsecutiveFailures)
	assert.Equal(t, models.AccountStatusActive, got.Status)
}
