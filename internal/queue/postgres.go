package queue

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "maintenance_queue"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue appends messages to a shared Postgres table consumed by the
// downstream workers. Messages of every queue share one table, keyed by name.
type PostgresQueue struct {
	dsn       string
	tableName string
	queueKey  string
	capacity  int
	openDB    sqlOpenFunc

	// initMu guards db; a failed init leaves db nil so the next Send retries.
	initMu sync.Mutex
	db     *sql.DB
}

// NewPostgresQueue creates a Postgres-backed queue. The connection is opened lazily.
func NewPostgresQueue(dsn, name string, capacity int) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres queue %s: empty dsn", name)
	}
	if capacity <= 0 {
		capacity = 100000
	}
	return &PostgresQueue{
		dsn:       dsn,
		tableName: postgresTableName,
		queueKey:  name,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

// Send inserts msg unless the queue already holds capacity messages.
func (q *PostgresQueue) Send(ctx context.Context, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := q.ensureReady(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning queue transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Serialise depth checks per queue so concurrent senders cannot overshoot capacity.
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockKey(q.tableName, q.queueKey)); err != nil {
		return fmt.Errorf("locking queue: %w", err)
	}

	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return fmt.Errorf("counting queue depth: %w", err)
	}
	if depth >= q.capacity {
		return ErrQueueFull
	}

	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return fmt.Errorf("inserting queue message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing queue message: %w", err)
	}
	committed = true
	return nil
}

// Close releases the underlying connection pool.
func (q *PostgresQueue) Close() error {
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *PostgresQueue) ensureReady(ctx context.Context) error {
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db != nil {
		return nil
	}

	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return fmt.Errorf("opening postgres queue: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			queue_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, quoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating queue table: %w", err)
	}
	createIndex := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
		quoteIdentifier(q.tableName+"_queue_key_id_idx"), quoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, createIndex); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating queue index: %w", err)
	}
	q.db = db
	return nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func queueLockKey(table, key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(table))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
