package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/tminus/maintenance/internal/storage"
)

// OutboxQueue writes messages into the registry's queue_outbox table. A relay
// process forwards and deletes rows, so a send commits with the registry.
type OutboxQueue struct {
	db   *storage.DB
	name string
	now  func() time.Time
}

// NewOutboxQueue creates an outbox-backed queue named name.
func NewOutboxQueue(db *storage.DB, name string) *OutboxQueue {
	return &OutboxQueue{db: db, name: name, now: time.Now}
}

// Send inserts msg into the outbox.
func (q *OutboxQueue) Send(ctx context.Context, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_outbox (queue, payload, created_at) VALUES (?, ?, ?)
	`, q.name, string(payload), q.now().UTC())
	if err != nil {
		return fmt.Errorf("inserting outbox message: %w", err)
	}
	return nil
}

// Depth returns the number of undelivered rows for this queue.
func (q *OutboxQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_outbox WHERE queue = ?`, q.name).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("counting outbox messages: %w", err)
	}
	return depth, nil
}
