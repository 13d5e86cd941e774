package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkardel/ticketwatch/internal/retry"
)

// TrackedTicket is one row of the durable processing ledger.
type TrackedTicket struct {
	TicketID       string
	LastSeenVolume int
	ProcessedAt    time.Time
}

// TrackerOptions configures the delta and staleness checks.
type TrackerOptions struct {
	// SkipThreshold is the minimum volume delta that justifies reanalysis.
	SkipThreshold int
	// ActivityBuffer neutralizes clock/precision skew when comparing a
	// remote activity time against our commit timestamp.
	ActivityBuffer time.Duration
	// Policy bounds write retries under lock contention.
	Policy retry.Policy
}

// DefaultTrackerOptions matches the engine's defaults.
func DefaultTrackerOptions() TrackerOptions {
	return TrackerOptions{
		SkipThreshold:  5,
		ActivityBuffer: time.Second,
		Policy:         retry.Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond},
	}
}

// Tracker is the authoritative record of which tickets were analyzed at
// which activity volume. Reads fail toward processing (an extra analysis is
// cheaper than a silently dropped ticket); a failed Commit always surfaces
// so the caller leaves the marker cache untouched.
type Tracker struct {
	db     *DB
	logger *slog.Logger
	opts   TrackerOptions
	now    func() time.Time
}

// NewTracker creates a Tracker over db.
func NewTracker(db *DB, logger *slog.Logger, opts TrackerOptions) *Tracker {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = DefaultTrackerOptions().Policy
	}
	return &Tracker{db: db, logger: logger, opts: opts, now: time.Now}
}

// NeedsProcessing reports whether remoteActivity is newer than the last
// successful commit for id, with a small buffer against timestamp skew.
// Unknown tickets and storage read errors both answer true (fail open).
func (t *Tracker) NeedsProcessing(ctx context.Context, id string, remoteActivity time.Time) bool {
	var processedAt time.Time
	err := t.db.QueryRowContext(ctx,
		`SELECT processed_at FROM processed_tickets WHERE ticket_id = ?`, id,
	).Scan(&processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	if err != nil {
		t.logger.Warn("tracker read failed, defaulting to processing",
			"ticket_id", id, "error", err)
		return true
	}
	return remoteActivity.After(processedAt.Add(t.opts.ActivityBuffer))
}

// ShouldSkip reports whether the volume delta since the last commit is below
// the configured threshold. A ticket with no prior record is never skipped.
// On a storage read error it answers false, preferring an attempted
// analysis over a silent permanent skip.
func (t *Tracker) ShouldSkip(ctx context.Context, id string, currentVolume int) bool {
	var lastSeen int
	err := t.db.QueryRowContext(ctx,
		`SELECT last_seen_volume FROM processed_tickets WHERE ticket_id = ?`, id,
	).Scan(&lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		t.logger.Warn("tracker read failed, not skipping",
			"ticket_id", id, "error", err)
		return false
	}
	return currentVolume-lastSeen < t.opts.SkipThreshold
}

// Commit upserts the tracking record for id in a single immediate
// transaction. Lock contention is retried with jittered backoff; after the
// budget is exhausted the error propagates to the caller.
func (t *Tracker) Commit(ctx context.Context, id string, currentVolume int) error {
	err := retry.Do(ctx, t.opts.Policy, func() error {
		if err := t.upsert(ctx, id, currentVolume); err != nil {
			if retry.IsLockContention(err) {
				return retry.NewTransient("committing tracking record", err)
			}
			return retry.NewPermanent("committing tracking record", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit ticket %s: %w", id, err)
	}
	return nil
}

func (t *Tracker) upsert(ctx context.Context, id string, currentVolume int) error {
	conn, err := t.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// BEGIN IMMEDIATE takes the write lock up front so two committing
	// workers contend here instead of deadlocking on lock upgrade.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO processed_tickets (ticket_id, last_seen_volume, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET
			last_seen_volume = excluded.last_seen_volume,
			processed_at = excluded.processed_at`,
		id, currentVolume, t.now(),
	)
	if err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}

// RecentlyProcessed returns the n most recently committed tickets, newest
// first. Serves operational queries only; the engine never reads it.
func (t *Tracker) RecentlyProcessed(ctx context.Context, n int) ([]TrackedTicket, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT ticket_id, last_seen_volume, processed_at
		FROM processed_tickets
		ORDER BY processed_at DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent tickets: %w", err)
	}
	defer rows.Close()

	var tickets []TrackedTicket
	for rows.Next() {
		var tt TrackedTicket
		if err := rows.Scan(&tt.TicketID, &tt.LastSeenVolume, &tt.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tracked ticket: %w", err)
		}
		tickets = append(tickets, tt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked tickets: %w", err)
	}
	return tickets, nil
}

// Count returns the number of tracked tickets.
func (t *Tracker) Count(ctx context.Context) (int, error) {
	var count int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_tickets`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tracked tickets: %w", err)
	}
	return count, nil
}
