package jobs

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/tminus/maintenance/internal/storage/models"
)

func googleAccount(id, userID string, expiry time.Time) models.Account {
	return models.Account{
		ID:            id,
		UserID:        userID,
		Provider:      models.ProviderGoogle,
		ChannelID:     strPtr("ch-" + id),
		ResourceID:    strPtr("res-" + id),
		ChannelExpiry: timePtr(expiry),
	}
}

func TestChannelRenewal_SingleExpiringAccount(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.channels.expiry = now.Add(7 * 24 * time.Hour)
	h.addAccount(t, googleAccount("acc_1", "u_1", now.Add(12*time.Hour)))

	summary, err := h.jobs.ChannelRenewal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Count(OutcomeSucceeded))

	assert.Equal(t, []string{"acc_1"}, h.acctActor.tokenCalls)
	require.Len(t, h.channels.watchCalls, 1)
	assert.Equal(t, "https://hooks.example.com/google", h.channels.watchCalls[0].WebhookURL)
	assert.Equal(t, "signed:acc_1:id-1", h.channels.watchCalls[0].Token)
	assert.Equal(t, []string{"ch-acc_1"}, h.channels.stopCalls)

	require.Contains(t, h.acctActor.stored, "acc_1")
	assert.Equal(t, "id-1", h.acctActor.stored["acc_1"].ChannelID)
	assert.Equal(t, "res-id-1", h.acctActor.stored["acc_1"].ResourceID)

	acct := h.account(t, "acc_1")
	require.NotNil(t, acct.ChannelID)
	assert.Equal(t, "id-1", *acct.ChannelID)
	assert.Equal(t, "res-id-1", *acct.ResourceID)
	assert.Equal(t, "signed:acc_1:id-1", *acct.ChannelToken)
	assert.True(t, h.channels.expiry.Equal(*acct.ChannelExpiry))
}

func TestChannelRenewal_OnlyExpiringOrStaleAccounts(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	h.addAccount(t, googleAccount("acc_expiring", "u_1", now.Add(23*time.Hour)))

	stale := googleAccount("acc_stale", "u_1", now.Add(72*time.Hour))
	stale.LastSyncAt = timePtr(now.Add(-13 * time.Hour))
	h.addAccount(t, stale)

	fresh := googleAccount("acc_fresh", "u_2", now.Add(72*time.Hour))
	fresh.LastSyncAt = timePtr(now.Add(-time.Hour))
	h.addAccount(t, fresh)

	errored := googleAccount("acc_error", "u_2", now.Add(time.Hour))
	errored.Status = models.AccountStatusError
	h.addAccount(t, errored)

	h.addAccount(t, models.Account{ID: "acc_nochannel", UserID: "u_3", Provider: models.ProviderGoogle})
	h.addAccount(t, models.Account{
		ID: "acc_ms", UserID: "u_3", Provider: models.ProviderMicrosoft,
		ChannelID: strPtr("sub"), ChannelExpiry: timePtr(now.Add(time.Hour)),
	})

	summary, err := h.jobs.ChannelRenewal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Candidates)
	assert.ElementsMatch(t, []string{"acc_expiring", "acc_stale"}, h.acctActor.tokenCalls)
	assert.Len(t, h.channels.watchCalls, 2)
	assert.Equal(t, "ch-acc_fresh", *h.account(t, "acc_fresh").ChannelID)
}

func TestChannelRenewal_FailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.addAccount(t, googleAccount("acc_a", "u_1", now.Add(time.Hour)))
	h.addAccount(t, googleAccount("acc_b", "u_1", now.Add(2*time.Hour)))
	h.addAccount(t, googleAccount("acc_c", "u_2", now.Add(3*time.Hour)))
	h.acctActor.tokenErr["acc_b"] = errBoom

	summary, err := h.jobs.ChannelRenewal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Count(OutcomeSucceeded))
	assert.Equal(t, 1, summary.Count(OutcomeFailed))
	assert.Contains(t, h.acctActor.stored, "acc_a")
	assert.Contains(t, h.acctActor.stored, "acc_c")
	assert.NotContains(t, h.acctActor.stored, "acc_b")
	assert.Equal(t, "ch-acc_b", *h.account(t, "acc_b").ChannelID)
}

func TestChannelRenewal_StopFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.channels.stopErr = errBoom
	h.addAccount(t, googleAccount("acc_1", "u_1", h.clock.Now().Add(time.Hour)))

	summary, err := h.jobs.ChannelRenewal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeSucceeded))
	assert.Equal(t, "id-1", *h.account(t, "acc_1").ChannelID)
}

func TestChannelRenewal_RegistryUntouchedWhenActorRejects(t *testing.T) {
	h := newHarness(t)
	h.addAccount(t, googleAccount("acc_1", "u_1", h.clock.Now().Add(time.Hour)))
	h.acctActor.storeErr["acc_1"] = errBoom

	summary, err := h.jobs.ChannelRenewal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeFailed))
	assert.Equal(t, "ch-acc_1", *h.account(t, "acc_1").ChannelID)
}

func TestChannelRenewal_DefaultExpiry(t *testing.T) {
	h := newHarness(t)
	h.addAccount(t, googleAccount("acc_1", "u_1", h.clock.Now().Add(time.Hour)))

	_, err := h.jobs.ChannelRenewal(context.Background())
	require.NoError(t, err)

	want := h.clock.Now().Add(7 * 24 * time.Hour)
	assert.True(t, want.Equal(*h.account(t, "acc_1").ChannelExpiry))
}

func TestChannelRenewal_ProviderRejectionIsFlaggedPermanent(t *testing.T) {
	h := newHarness(t)
	var logs bytes.Buffer
	h.jobs.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	h.addAccount(t, googleAccount("acc_a", "u_1", h.clock.Now().Add(time.Hour)))
	h.channels.watchErr = &googleapi.Error{Code: http.StatusForbidden, Message: "insufficient permissions"}

	summary, err := h.jobs.ChannelRenewal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Count(OutcomeFailed))
	assert.Contains(t, logs.String(), "channel renewal rejected by google")
	assert.Contains(t, logs.String(), "permanent=true")
	assert.Equal(t, "ch-acc_a", *h.account(t, "acc_a").ChannelID)
}
