package queue

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tminus/maintenance/internal/storage"
)

// FromDSN builds the queue named name from a backend DSN:
//
//	memory://            in-process (local runs)
//	sqlite://            outbox table in the registry database
//	postgres://...       shared Postgres table
func FromDSN(name, dsn string, db *storage.DB) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("queue %s: no dsn configured", name)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("queue %s: parsing dsn: %w", name, err)
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryQueue(0), nil
	case "sqlite", "outbox":
		if db == nil {
			return nil, fmt.Errorf("queue %s: outbox backend needs the registry database", name)
		}
		return NewOutboxQueue(db, name), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, name, 0)
	default:
		return nil, fmt.Errorf("queue %s: unsupported scheme %q", name, scheme)
	}
}
