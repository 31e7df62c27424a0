package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

const (
	stateQueued = "queued"
	stateParked = "parked"
)

// SQLiteQueue persists dead letters to SQLite so they survive restarts.
//
// Dequeue claims an entry by pushing its next_retry_at forward by
// RetryDelay; a processor that dies mid-replay leaves the entry to be
// claimed again once that lease lapses.
type SQLiteQueue struct {
	db     *sql.DB
	cfg    QueueConfig
	mu     sync.RWMutex
	closed bool
}

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("deadletter: queue closed")

// NewSQLiteQueue opens (or creates) the database at path.
func NewSQLiteQueue(path string, cfg QueueConfig) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			park_reason TEXT NOT NULL DEFAULT '',
			parked_at INTEGER NOT NULL DEFAULT 0,
			entry BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_due
		ON dead_letters(state, next_retry_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteQueue{db: db, cfg: cfg.withDefaults()}, nil
}

// Enqueue implements Sink.
func (q *SQLiteQueue) Enqueue(ctx context.Context, entry *Entry) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return q.unavailable("enqueue", ErrQueueClosed)
	}

	if reason := q.cfg.parkReason(entry); reason != "" {
		return q.park(ctx, entry, reason, "enqueue")
	}

	var queued int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE state = ? AND id != ?`, stateQueued, entry.ID(),
	).Scan(&queued); err != nil {
		return q.unavailable("enqueue", err)
	}
	if queued >= q.cfg.MaxSize {
		return ErrQueueFull
	}

	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = q.cfg.Clock().Add(q.cfg.RetryDelay)
	}
	if err := q.upsert(ctx, entry, stateQueued, "", time.Time{}); err != nil {
		return q.unavailable("enqueue", err)
	}
	if q.cfg.OnEnqueue != nil {
		q.cfg.OnEnqueue(entry)
	}
	return nil
}

// Dequeue implements Queue.
func (q *SQLiteQueue) Dequeue(ctx context.Context, limit int) ([]*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, q.unavailable("dequeue", ErrQueueClosed)
	}
	if limit <= 0 {
		limit = -1
	}

	now := q.cfg.Clock()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE dead_letters SET next_retry_at = ?
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE state = ? AND next_retry_at <= ?
			ORDER BY next_retry_at
			LIMIT ?
		)
		RETURNING entry
	`, now.Add(q.cfg.RetryDelay).UnixNano(), stateQueued, now.UnixNano(), limit)
	if err != nil {
		return nil, q.unavailable("dequeue", err)
	}
	defer rows.Close()

	var ready []*Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, q.unavailable("dequeue", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		ready = append(ready, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, q.unavailable("dequeue", err)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].NextRetryAt.Before(ready[j].NextRetryAt) })
	return ready, nil
}

// Acknowledge implements Queue.
func (q *SQLiteQueue) Acknowledge(ctx context.Context, id string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return q.unavailable("acknowledge", ErrQueueClosed)
	}

	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE id = ? AND state = ?`, id, stateQueued,
	); err != nil {
		return q.unavailable("acknowledge", err)
	}
	return nil
}

// RecordRetryFailure implements Queue.
func (q *SQLiteQueue) RecordRetryFailure(ctx context.Context, entry *Entry, cause error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return q.unavailable("record_retry_failure", ErrQueueClosed)
	}

	now := q.cfg.Clock()
	entry.ReplayCount++
	entry.LastFailedAt = now
	entry.LastError = errString(cause)

	if entry.ReplayCount >= q.cfg.MaxReplays {
		return q.park(ctx, entry, "max replays exceeded", "record_retry_failure")
	}
	entry.NextRetryAt = now.Add(q.cfg.Backoff.Backoff(entry.ReplayCount + 1))
	if err := q.upsert(ctx, entry, stateQueued, "", time.Time{}); err != nil {
		return q.unavailable("record_retry_failure", err)
	}
	return nil
}

// Park implements Queue.
func (q *SQLiteQueue) Park(ctx context.Context, entry *Entry, reason string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return q.unavailable("park", ErrQueueClosed)
	}
	return q.park(ctx, entry, reason, "park")
}

func (q *SQLiteQueue) park(ctx context.Context, entry *Entry, reason, op string) error {
	parkedAt := q.cfg.Clock()
	if err := q.upsert(ctx, entry, stateParked, reason, parkedAt); err != nil {
		return q.unavailable(op, err)
	}
	if q.cfg.OnPark != nil {
		q.cfg.OnPark(&ParkedEntry{Entry: *entry, ParkReason: reason, ParkedAt: parkedAt})
	}
	return nil
}

// ListParked implements Queue.
func (q *SQLiteQueue) ListParked(ctx context.Context, limit int) ([]*ParkedEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, q.unavailable("list_parked", ErrQueueClosed)
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT entry, park_reason, parked_at FROM dead_letters
		WHERE state = ? ORDER BY parked_at LIMIT ?
	`, stateParked, limit)
	if err != nil {
		return nil, q.unavailable("list_parked", err)
	}
	defer rows.Close()

	var result []*ParkedEntry
	for rows.Next() {
		var (
			data     []byte
			reason   string
			parkedAt int64
		)
		if err := rows.Scan(&data, &reason, &parkedAt); err != nil {
			return nil, q.unavailable("list_parked", err)
		}
		p := &ParkedEntry{ParkReason: reason, ParkedAt: time.Unix(0, parkedAt)}
		if err := json.Unmarshal(data, &p.Entry); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, q.unavailable("list_parked", err)
	}
	return result, nil
}

// RecoverParked implements Queue.
func (q *SQLiteQueue) RecoverParked(ctx context.Context, id string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return q.unavailable("recover_parked", ErrQueueClosed)
	}

	var data []byte
	err := q.db.QueryRowContext(ctx,
		`SELECT entry FROM dead_letters WHERE id = ? AND state = ?`, id, stateParked,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return q.unavailable("recover_parked", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("decode dead letter: %w", err)
	}
	entry.Origin = OriginTransport
	entry.ReplayCount = 0
	entry.NextRetryAt = q.cfg.Clock()
	if err := q.upsert(ctx, &entry, stateQueued, "", time.Time{}); err != nil {
		return q.unavailable("recover_parked", err)
	}
	return nil
}

// Stats implements Queue.
func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Stats{}, q.unavailable("stats", ErrQueueClosed)
	}

	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM dead_letters GROUP BY state`)
	if err != nil {
		return Stats{}, q.unavailable("stats", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, q.unavailable("stats", err)
		}
		switch state {
		case stateQueued:
			stats.QueueSize = n
		case stateParked:
			stats.ParkedSize = n
		}
	}
	return stats, rows.Err()
}

// Close releases the database.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

func (q *SQLiteQueue) upsert(ctx context.Context, entry *Entry, state, reason string, parkedAt time.Time) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	var parkedNanos int64
	if !parkedAt.IsZero() {
		parkedNanos = parkedAt.UnixNano()
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, state, event_type, next_retry_at, park_reason, parked_at, entry)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			event_type = excluded.event_type,
			next_retry_at = excluded.next_retry_at,
			park_reason = excluded.park_reason,
			parked_at = excluded.parked_at,
			entry = excluded.entry
	`, entry.ID(), state, string(entry.EventType), entry.NextRetryAt.UnixNano(), reason, parkedNanos, data)
	return err
}

func (q *SQLiteQueue) unavailable(op string, err error) error {
	return tferrors.StoreUnavailable("deadletter.sqlite", op, err)
}
