// Package jobs implements the scheduled maintenance jobs.
//
// Every job walks its candidates one at a time. A failure on one entity is
// logged with the entity id and the loop moves on; only a failed candidate
// query is returned to the caller.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tminus/maintenance/internal/actor"
	"github.com/tminus/maintenance/internal/crypto"
	"github.com/tminus/maintenance/internal/feed"
	"github.com/tminus/maintenance/internal/provider/google"
	"github.com/tminus/maintenance/internal/queue"
	"github.com/tminus/maintenance/internal/storage/models"
	"github.com/tminus/maintenance/internal/workflow"
)

// Clock abstracts time retrieval so job logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// AccountStore is the registry access the jobs need.
type AccountStore interface {
	ListChannelRenewalCandidates(ctx context.Context, renewBefore, staleBefore time.Time) ([]models.Account, error)
	ListByProvider(ctx context.Context, provider string, statuses ...string) ([]models.Account, error)
	ListByStatus(ctx context.Context, statuses ...string) ([]models.Account, error)
	ListOAuthAccounts(ctx context.Context, statuses ...string) ([]models.Account, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	UpdateStatus(ctx context.Context, id, status string) error
	TransitionStatus(ctx context.Context, id, from, to string) (bool, error)
	UpdateChannel(ctx context.Context, id string, ch models.ChannelUpdate) error
	RecordFeedFetch(ctx context.Context, id string, out models.FeedFetchOutcome) error
}

// DeletionStore is the deletion request access the jobs need.
type DeletionStore interface {
	ListDue(ctx context.Context, now time.Time) ([]models.DeletionRequest, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	ReleaseProcessing(ctx context.Context, id string) (bool, error)
}

// FeedEventStore holds the last accepted event snapshot of each feed.
type FeedEventStore interface {
	List(ctx context.Context, accountID string) (map[string]string, error)
	Replace(ctx context.Context, accountID string, records []models.FeedEventRecord) error
}

// ChannelProvider opens and closes Google push channels.
type ChannelProvider interface {
	Watch(ctx context.Context, accessToken string, req google.WatchRequest) (*google.Channel, error)
	Stop(ctx context.Context, accessToken, channelID, resourceID string) error
}

// TokenSigner issues the verification token attached to a channel.
type TokenSigner interface {
	Sign(accountID, channelID string) (string, error)
}

// FeedFetcher issues conditional GETs for ICS feeds.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL, etag, lastModified string) (*feed.Response, error)
}

// Settings are the tunables of the jobs.
type Settings struct {
	WebhookURL             string
	ChannelRenewalWindow   time.Duration
	ChannelStaleAfter      time.Duration
	DefaultChannelTTL      time.Duration
	SubscriptionWindow     time.Duration
	FeedMinFetchInterval   time.Duration
	FeedDefaultRefreshRate time.Duration
}

// DefaultSettings returns the production windows.
func DefaultSettings() Settings {
	return Settings{
		ChannelRenewalWindow:   24 * time.Hour,
		ChannelStaleAfter:      12 * time.Hour,
		DefaultChannelTTL:      7 * 24 * time.Hour,
		SubscriptionWindow:     54 * time.Hour,
		FeedMinFetchInterval:   5 * time.Minute,
		FeedDefaultRefreshRate: 15 * time.Minute,
	}
}

// Deps are the collaborators of the jobs. Workflow may be nil.
type Deps struct {
	Accounts   AccountStore
	Deletions  DeletionStore
	FeedEvents FeedEventStore

	AccountActor actor.AccountActor
	UserGraph    actor.UserGraph

	ReconcileQueue queue.Queue
	SyncQueue      queue.Queue
	MirrorQueue    queue.Queue

	Workflow  workflow.Engine
	Channels  ChannelProvider
	Signer    TokenSigner
	Fetcher   FeedFetcher
	Encryptor crypto.Encryptor

	Clock    Clock
	IDs      IDGenerator
	Logger   *slog.Logger
	Settings Settings
}

// Jobs runs the maintenance jobs against its dependencies.
type Jobs struct {
	Deps
}

// New validates deps and fills defaults.
func New(deps Deps) (*Jobs, error) {
	if deps.Accounts == nil {
		return nil, errors.New("jobs: account store is required")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.IDs == nil {
		deps.IDs = UUIDGenerator{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	defaults := DefaultSettings()
	s := &deps.Settings
	if s.ChannelRenewalWindow <= 0 {
		s.ChannelRenewalWindow = defaults.ChannelRenewalWindow
	}
	if s.ChannelStaleAfter <= 0 {
		s.ChannelStaleAfter = defaults.ChannelStaleAfter
	}
	if s.DefaultChannelTTL <= 0 {
		s.DefaultChannelTTL = defaults.DefaultChannelTTL
	}
	if s.SubscriptionWindow <= 0 {
		s.SubscriptionWindow = defaults.SubscriptionWindow
	}
	if s.FeedMinFetchInterval <= 0 {
		s.FeedMinFetchInterval = defaults.FeedMinFetchInterval
	}
	if s.FeedDefaultRefreshRate <= 0 {
		s.FeedDefaultRefreshRate = defaults.FeedDefaultRefreshRate
	}

	return &Jobs{Deps: deps}, nil
}

// now returns the clock time in UTC.
func (j *Jobs) now() time.Time {
	return j.Clock.Now().UTC()
}

// Summary counts the outcomes of one job run.
type Summary struct {
	Job        string
	Candidates int
	Counts     map[string]int
}

func newSummary(job string) *Summary {
	return &Summary{Job: job, Counts: make(map[string]int)}
}

// Add increments an outcome counter.
func (s *Summary) Add(outcome string) {
	s.Counts[outcome]++
}

// Count returns the value of an outcome counter.
func (s Summary) Count(outcome string) int {
	return s.Counts[outcome]
}

// LogAttrs renders the summary as slog key/value pairs in a stable order.
func (s Summary) LogAttrs() []any {
	attrs := []any{"job", s.Job, "candidates", s.Candidates}
	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, s.Counts[k])
	}
	return attrs
}

// Outcome names shared by the jobs.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// distinctUsers returns user ids in first-seen order.
func distinctUsers(accounts []models.Account) []string {
	seen := make(map[string]bool)
	var users []string
	for _, acct := range accounts {
		if seen[acct.UserID] {
			continue
		}
		seen[acct.UserID] = true
		users = append(users, acct.UserID)
	}
	return users
}
