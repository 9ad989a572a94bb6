package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tminus/maintenance/internal/storage/models"
)

// FeedEventRepository stores the last accepted event snapshot of each ICS feed.
type FeedEventRepository struct {
	BaseRepository
}

// NewFeedEventRepository creates a new feed event repository.
func NewFeedEventRepository(db *DB) *FeedEventRepository {
	return &FeedEventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// List returns the known events of an account keyed by event key.
func (r *FeedEventRepository) List(ctx context.Context, accountID string) (map[string]string, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT event_key, content_hash FROM feed_events WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying feed events: %w", err)
	}
	defer rows.Close()

	known := make(map[string]string)
	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, fmt.Errorf("scanning feed event: %w", err)
		}
		known[key] = hash
	}
	return known, rows.Err()
}

// Replace swaps the snapshot of an account for records in one transaction.
func (r *FeedEventRepository) Replace(ctx context.Context, accountID string, records []models.FeedEventRecord) error {
	return r.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM feed_events WHERE account_id = ?", accountID); err != nil {
			return fmt.Errorf("deleting feed events: %w", err)
		}

		for _, rec := range records {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO feed_events (account_id, event_key, content_hash) VALUES (?, ?, ?)
			`, accountID, rec.EventKey, rec.ContentHash)
			if err != nil {
				return fmt.Errorf("inserting feed event %s: %w", rec.EventKey, err)
			}
		}

		return nil
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
