package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tminus/maintenance/internal/actor"
	"github.com/tminus/maintenance/internal/feed"
	"github.com/tminus/maintenance/internal/provider/google"
	"github.com/tminus/maintenance/internal/queue"
	"github.com/tminus/maintenance/internal/storage"
	"github.com/tminus/maintenance/internal/storage/models"
	"github.com/tminus/maintenance/internal/testutil"
	"github.com/tminus/maintenance/internal/workflow"
)

var errBoom = errors.New("boom")

// fakeAccountActor records calls and returns configurable errors per account.
type fakeAccountActor struct {
	mu sync.Mutex

	healthErr map[string]error
	tokenErr  map[string]error
	listErr   map[string]error
	renewErr  map[string]error // keyed by subscription id
	storeErr  map[string]error
	subs      map[string][]actor.Subscription

	healthCalls []string
	tokenCalls  []string
	renewCalls  []string
	stored      map[string]actor.StoredSubscription
}

func newFakeAccountActor() *fakeAccountActor {
	return &fakeAccountActor{
		healthErr: map[string]error{},
		tokenErr:  map[string]error{},
		listErr:   map[string]error{},
		renewErr:  map[string]error{},
		storeErr:  map[string]error{},
		subs:      map[string][]actor.Subscription{},
		stored:    map[string]actor.StoredSubscription{},
	}
}

func (f *fakeAccountActor) GetHealth(_ context.Context, accountID string) (*actor.AccountHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls = append(f.healthCalls, accountID)
	if err := f.healthErr[accountID]; err != nil {
		return nil, err
	}
	return &actor.AccountHealth{AccountID: accountID}, nil
}

func (f *fakeAccountActor) GetAccessToken(_ context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls = append(f.tokenCalls, accountID)
	if err := f.tokenErr[accountID]; err != nil {
		return "", err
	}
	return "token-" + accountID, nil
}

func (f *fakeAccountActor) ListSubscriptions(_ context.Context, accountID string) ([]actor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[accountID]; err != nil {
		return nil, err
	}
	return f.subs[accountID], nil
}

func (f *fakeAccountActor) RenewSubscription(_ context.Context, _ string, subscriptionID string) (*actor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls = append(f.renewCalls, subscriptionID)
	if err := f.renewErr[subscriptionID]; err != nil {
		return nil, err
	}
	return &actor.Subscription{ID: subscriptionID}, nil
}

func (f *fakeAccountActor) StoreSubscription(_ context.Context, accountID string, sub actor.StoredSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.storeErr[accountID]; err != nil {
		return err
	}
	f.stored[accountID] = sub
	return nil
}

// fakeUserGraph records calls per user.
type fakeUserGraph struct {
	mu sync.Mutex

	holds          map[string][]actor.Hold
	holdsErr       map[string]error
	updateErr      map[string]error // keyed by hold id
	terminal       map[string]bool  // session id -> all holds terminal
	reports        map[string]*actor.DriftReport
	reportErr      map[string]error
	storeAlertsErr map[string]error
	deltaErr       error
	recomputeErr   error

	recomputeCalls []string
	holdUpdates    []string
	sessionCalls   []string
	storedAlerts   []string
	deltas         [][]actor.ProviderDelta
}

func newFakeUserGraph() *fakeUserGraph {
	return &fakeUserGraph{
		holds:          map[string][]actor.Hold{},
		holdsErr:       map[string]error{},
		updateErr:      map[string]error{},
		terminal:       map[string]bool{},
		reports:        map[string]*actor.DriftReport{},
		reportErr:      map[string]error{},
		storeAlertsErr: map[string]error{},
	}
}

func (f *fakeUserGraph) RecomputeProjections(_ context.Context, userID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recomputeCalls = append(f.recomputeCalls, userID)
	return f.recomputeErr
}

func (f *fakeUserGraph) GetExpiredHolds(_ context.Context, userID string) ([]actor.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.holdsErr[userID]; err != nil {
		return nil, err
	}
	return f.holds[userID], nil
}

func (f *fakeUserGraph) UpdateHoldStatus(_ context.Context, _ string, holdID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[holdID]; err != nil {
		return err
	}
	f.holdUpdates = append(f.holdUpdates, holdID+"="+status)
	return nil
}

func (f *fakeUserGraph) ExpireSessionIfAllHoldsTerminal(_ context.Context, _ string, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls = append(f.sessionCalls, sessionID)
	return f.terminal[sessionID], nil
}

func (f *fakeUserGraph) GetDriftReport(_ context.Context, userID string) (*actor.DriftReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reportErr[userID]; err != nil {
		return nil, err
	}
	if report, ok := f.reports[userID]; ok {
		return report, nil
	}
	return &actor.DriftReport{UserID: userID}, nil
}

func (f *fakeUserGraph) StoreDriftAlerts(_ context.Context, userID string, _ *actor.DriftReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.storeAlertsErr[userID]; err != nil {
		return err
	}
	f.storedAlerts = append(f.storedAlerts, userID)
	return nil
}

func (f *fakeUserGraph) ApplyProviderDelta(_ context.Context, _ string, _ string, deltas []actor.ProviderDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deltaErr != nil {
		return f.deltaErr
	}
	f.deltas = append(f.deltas, deltas)
	return nil
}

// failingQueue rejects every message.
type failingQueue struct{}

func (failingQueue) Send(context.Context, queue.Message) error { return errBoom }

// fakeChannels stands in for the Google channel client.
type fakeChannels struct {
	mu         sync.Mutex
	watchErr   error
	stopErr    error
	expiry     time.Time
	watchCalls []google.WatchRequest
	stopCalls  []string
}

func (f *fakeChannels) Watch(_ context.Context, _ string, req google.WatchRequest) (*google.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls = append(f.watchCalls, req)
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &google.Channel{ID: req.ChannelID, ResourceID: "res-" + req.ChannelID, Expiry: f.expiry}, nil
}

func (f *fakeChannels) Stop(_ context.Context, _ string, channelID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, channelID)
	return f.stopErr
}

type fakeSigner struct{}

func (fakeSigner) Sign(accountID, channelID string) (string, error) {
	return "signed:" + accountID + ":" + channelID, nil
}

// fakeFetcher returns a scripted response per URL.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*feed.Response
	errs      map[string]error
	calls     []fetchCall
}

type fetchCall struct {
	URL, ETag, LastModified string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string]*feed.Response{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, feedURL, etag, lastModified string) (*feed.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{URL: feedURL, ETag: etag, LastModified: lastModified})
	if err := f.errs[feedURL]; err != nil {
		return nil, err
	}
	if resp, ok := f.responses[feedURL]; ok {
		return resp, nil
	}
	return &feed.Response{StatusCode: 404}, nil
}

// plainEncryptor stores values with a visible prefix.
type plainEncryptor struct{}

func (plainEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

func (plainEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	if len(ciphertext) < 7 || ciphertext[:7] != "sealed:" {
		return "", errBoom
	}
	return ciphertext[7:], nil
}

// harness wires Jobs against a temp SQLite registry and in-memory fakes.
type harness struct {
	jobs      *Jobs
	clock     *testutil.StubClock
	db        *storage.DB
	accounts  *storage.AccountRepository
	deletions *storage.DeletionRepository
	events    *storage.FeedEventRepository
	acctActor *fakeAccountActor
	graph     *fakeUserGraph
	reconcile *queue.MemoryQueue
	sync      *queue.MemoryQueue
	mirror    *queue.MemoryQueue
	channels  *fakeChannels
	fetcher   *fakeFetcher
	workflow  *workflow.MemoryEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, storage.RunMigrations(db, logger))

	h := &harness{
		clock:     testutil.FixedClock(),
		db:        db,
		accounts:  storage.NewAccountRepository(db),
		deletions: storage.NewDeletionRepository(db),
		events:    storage.NewFeedEventRepository(db),
		acctActor: newFakeAccountActor(),
		graph:     newFakeUserGraph(),
		reconcile: queue.NewMemoryQueue(0),
		sync:      queue.NewMemoryQueue(0),
		mirror:    queue.NewMemoryQueue(0),
		channels:  &fakeChannels{},
		fetcher:   newFakeFetcher(),
		workflow:  workflow.NewMemoryEngine(),
	}
	h.accounts.SetClock(h.clock.Now)
	h.deletions.SetClock(h.clock.Now)

	jobs, err := New(Deps{
		Accounts:       h.accounts,
		Deletions:      h.deletions,
		FeedEvents:     h.events,
		AccountActor:   h.acctActor,
		UserGraph:      h.graph,
		ReconcileQueue: h.reconcile,
		SyncQueue:      h.sync,
		MirrorQueue:    h.mirror,
		Workflow:       h.workflow,
		Channels:       h.channels,
		Signer:         fakeSigner{},
		Fetcher:        h.fetcher,
		Encryptor:      plainEncryptor{},
		Clock:          h.clock,
		IDs:            testutil.NewStubIDGenerator(),
		Logger:         logger,
		Settings:       Settings{WebhookURL: "https://hooks.example.com/google"},
	})
	require.NoError(t, err)
	h.jobs = jobs
	return h
}

func (h *harness) addAccount(t *testing.T, acct models.Account) {
	t.Helper()
	require.NoError(t, h.accounts.Create(context.Background(), &acct))
}

func (h *harness) account(t *testing.T, id string) *models.Account {
	t.Helper()
	acct, err := h.accounts.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, acct)
	return acct
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func int64Ptr(v int64) *int64 { return &v }
