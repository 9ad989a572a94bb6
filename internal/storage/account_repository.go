package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tminus/maintenance/internal/storage/models"
)

const accountColumns = `
	id, user_id, provider, provider_subject, status,
	channel_id, channel_token, channel_expiry_ts, resource_id, last_sync_ts,
	feed_url, feed_etag, feed_last_modified, feed_content_hash,
	feed_last_refresh_at, feed_last_fetch_at, feed_consecutive_failures, feed_refresh_interval_ms,
	created_at, updated_at`

// AccountRepository provides data access for registry accounts.
type AccountRepository struct {
	BaseRepository
}

// NewAccountRepository creates a new account repository.
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a new account. An empty ID is replaced with a generated one.
func (r *AccountRepository) Create(ctx context.Context, acct *models.Account) error {
	if acct.ID == "" {
		acct.ID = "acc_" + uuid.NewString()
	}
	if acct.Status == "" {
		acct.Status = models.AccountStatusActive
	}
	acct.CreatedAt = r.Now()
	acct.UpdatedAt = acct.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		acct.ID, acct.UserID, acct.Provider, acct.ProviderSubject, acct.Status,
		acct.ChannelID, acct.ChannelToken, utcPtr(acct.ChannelExpiry), acct.ResourceID, utcPtr(acct.LastSyncAt),
		acct.Feed.SealedURL, acct.Feed.ETag, acct.Feed.LastModified, acct.Feed.ContentHash,
		utcPtr(acct.Feed.LastRefreshAt), utcPtr(acct.Feed.LastFetchAt), acct.Feed.ConsecutiveFailures, acct.Feed.RefreshIntervalMS,
		acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by its ID. It returns nil, nil when no row exists.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	rows, err := r.DB().QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	defer rows.Close()

	accounts, err := scanAccounts(rows)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// ListChannelRenewalCandidates returns active Google accounts whose channel expires
// before renewBefore or whose last sync is older than staleBefore.
func (r *AccountRepository) ListChannelRenewalCandidates(ctx context.Context, renewBefore, staleBefore time.Time) ([]models.Account, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE provider = ? AND status = ?
		  AND channel_id IS NOT NULL
		  AND (channel_expiry_ts IS NULL OR channel_expiry_ts <= ? OR last_sync_ts < ?)
		ORDER BY channel_expiry_ts ASC NULLS FIRST, id
	`, models.ProviderGoogle, models.AccountStatusActive, renewBefore.UTC(), staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying channel renewal candidates: %w", err)
	}
	defer rows.Close()

	return scanAccounts(rows)
}

// ListByProvider returns accounts of one provider whose status is in statuses.
func (r *AccountRepository) ListByProvider(ctx context.Context, provider string, statuses ...string) ([]models.Account, error) {
	query, args := statusFilter(`SELECT `+accountColumns+` FROM accounts WHERE provider = ?`, statuses)
	rows, err := r.DB().QueryContext(ctx, query+` ORDER BY id`, append([]any{provider}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("querying %s accounts: %w", provider, err)
	}
	defer rows.Close()

	return scanAccounts(rows)
}

// ListByStatus returns accounts of every provider whose status is in statuses.
func (r *AccountRepository) ListByStatus(ctx context.Context, statuses ...string) ([]models.Account, error) {
	query, args := statusFilter(`SELECT `+accountColumns+` FROM accounts WHERE 1 = 1`, statuses)
	rows, err := r.DB().QueryContext(ctx, query+` ORDER BY user_id, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounts by status: %w", err)
	}
	defer rows.Close()

	return scanAccounts(rows)
}

// ListOAuthAccounts returns Google and Microsoft accounts whose status is in statuses.
func (r *AccountRepository) ListOAuthAccounts(ctx context.Context, statuses ...string) ([]models.Account, error) {
	query, args := statusFilter(`SELECT `+accountColumns+` FROM accounts WHERE provider IN (?, ?)`, statuses)
	rows, err := r.DB().QueryContext(ctx, query+` ORDER BY id`,
		append([]any{models.ProviderGoogle, models.ProviderMicrosoft}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("querying oauth accounts: %w", err)
	}
	defer rows.Close()

	return scanAccounts(rows)
}

// ListUserIDs returns every distinct user owning at least one account.
func (r *AccountRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB().QueryContext(ctx, `SELECT DISTINCT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying user ids: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

// UpdateStatus sets an account's status. Setting the current value again is a no-op write.
func (r *AccountRepository) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?
	`, status, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating account status: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return fmt.Errorf("updating account status: %w", err)
	}
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionStatus moves an account from one status to another only if it is
// still in the from status. It reports whether the row changed.
func (r *AccountRepository) TransitionStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, to, r.Now(), id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning account status: %w", err)
	}
	return affected(result)
}

// UpdateChannel replaces the push subscription metadata of an account.
func (r *AccountRepository) UpdateChannel(ctx context.Context, id string, ch models.ChannelUpdate) error {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE accounts SET
			channel_id = ?, channel_token = ?, channel_expiry_ts = ?, resource_id = ?, updated_at = ?
		WHERE id = ?
	`, ch.ChannelID, ch.ChannelToken, ch.Expiry.UTC(), ch.ResourceID, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordFeedFetch stores the bookkeeping of one feed poll.
//
// Failed polls increment feed_consecutive_failures; refreshed polls reset it and
// set feed_last_refresh_at. ETag, Last-Modified and content hash are only
// overwritten when the outcome carries them.
func (r *AccountRepository) RecordFeedFetch(ctx context.Context, id string, out models.FeedFetchOutcome) error {
	fetchedAt := out.FetchedAt.UTC()

	var err error
	switch {
	case out.Refreshed:
		_, err = r.DB().ExecContext(ctx, `
			UPDATE accounts SET
				feed_etag = COALESCE(?, feed_etag),
				feed_last_modified = COALESCE(?, feed_last_modified),
				feed_content_hash = COALESCE(?, feed_content_hash),
				feed_last_fetch_at = ?,
				feed_last_refresh_at = ?,
				feed_consecutive_failures = 0,
				updated_at = ?
			WHERE id = ?
		`, out.ETag, out.LastModified, out.ContentHash, fetchedAt, fetchedAt, r.Now(), id)
	case out.MarkError:
		_, err = r.DB().ExecContext(ctx, `
			UPDATE accounts SET
				status = ?,
				feed_last_fetch_at = ?,
				feed_consecutive_failures = feed_consecutive_failures + 1,
				updated_at = ?
			WHERE id = ?
		`, models.AccountStatusError, fetchedAt, r.Now(), id)
	default:
		_, err = r.DB().ExecContext(ctx, `
			UPDATE accounts SET
				feed_last_fetch_at = ?,
				feed_consecutive_failures = feed_consecutive_failures + 1,
				updated_at = ?
			WHERE id = ?
		`, fetchedAt, r.Now(), id)
	}
	if err != nil {
		return fmt.Errorf("recording feed fetch: %w", err)
	}
	return nil
}

func statusFilter(base string, statuses []string) (string, []any) {
	if len(statuses) == 0 {
		return base, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return base + ` AND status IN (` + placeholders + `)`, args
}

func scanAccounts(rows *sql.Rows) ([]models.Account, error) {
	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.Provider, &a.ProviderSubject, &a.Status,
			&a.ChannelID, &a.ChannelToken, &a.ChannelExpiry, &a.ResourceID, &a.LastSyncAt,
			&a.Feed.SealedURL, &a.Feed.ETag, &a.Feed.LastModified, &a.Feed.ContentHash,
			&a.Feed.LastRefreshAt, &a.Feed.LastFetchAt, &a.Feed.ConsecutiveFailures, &a.Feed.RefreshIntervalMS,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
