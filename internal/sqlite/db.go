package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tkardel/ticketwatch/internal/retry"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
}

// New opens a SQLite database configured for concurrent readers alongside a
// writer: WAL journal mode so reads are not serialized behind a writer, plus
// a short driver-level busy timeout underneath the engine's own retry
// discipline.
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A pooled :memory: connection would get its own empty database, so
	// pin in-memory databases to a single connection.
	if dataSourceName == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 2000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{db}, nil
}

// Migrate creates the tracking schema. Idempotent; runs once at startup
// through the same busy-retry policy as normal operations.
func (db *DB) Migrate(ctx context.Context, policy retry.Policy) error {
	schema := `
CREATE TABLE IF NOT EXISTS processed_tickets (
    ticket_id        TEXT PRIMARY KEY,
    last_seen_volume INTEGER NOT NULL DEFAULT 0,
    processed_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_tickets(processed_at);
`

	err := retry.Do(ctx, policy, func() error {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			if retry.IsLockContention(err) {
				return retry.NewTransient("migrating schema", err)
			}
			return retry.NewPermanent("migrating schema", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
