package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// SQLiteStore persists workflow records to SQLite. Times are stored as
// Unix nanoseconds.
type SQLiteStore struct {
	db     *sql.DB
	clock  func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path. clock may be nil.
func NewSQLiteStore(path string, clock func() time.Time) (*SQLiteStore, error) {
	if clock == nil {
		clock = time.Now
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			correlation_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_transition_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db, clock: clock}, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, s.unavailable("create", ErrStoreClosed)
	}

	// A live row blocks the upsert; an expired one is replaced.
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (correlation_id, state, reason, created_at, last_transition_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			created_at = excluded.created_at,
			last_transition_at = excluded.last_transition_at,
			expires_at = excluded.expires_at
		WHERE workflows.expires_at <= ?
		RETURNING correlation_id
	`, rec.CorrelationID, string(rec.State), rec.Reason,
		rec.CreatedAt.UnixNano(), rec.LastTransitionAt.UnixNano(), rec.ExpiresAt.UnixNano(),
		s.clock().UnixNano(),
	).Scan(&id)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, s.unavailable("create", err)
	}

	cur, _, err := s.get(ctx, rec.CorrelationID)
	if err != nil {
		return Record{}, false, s.unavailable("create", err)
	}
	return cur, false, nil
}

// CompareAndSet implements Store.
func (s *SQLiteStore) CompareAndSet(ctx context.Context, id string, from State, next Record) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, s.unavailable("compare_and_set", ErrStoreClosed)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET state = ?, reason = ?, last_transition_at = ?, expires_at = ?
		WHERE correlation_id = ? AND state = ? AND expires_at > ?
	`, string(next.State), next.Reason, next.LastTransitionAt.UnixNano(), next.ExpiresAt.UnixNano(),
		id, string(from), s.clock().UnixNano(),
	)
	if err != nil {
		return Record{}, false, s.unavailable("compare_and_set", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, s.unavailable("compare_and_set", err)
	}

	cur, _, err := s.get(ctx, id)
	if err != nil {
		return Record{}, false, s.unavailable("compare_and_set", err)
	}
	return cur, n == 1, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, s.unavailable("get", ErrStoreClosed)
	}

	rec, ok, err := s.get(ctx, id)
	if err != nil {
		return Record{}, false, s.unavailable("get", err)
	}
	return rec, ok, nil
}

func (s *SQLiteStore) get(ctx context.Context, id string) (Record, bool, error) {
	var state, reason string
	var created, transition, expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT state, reason, created_at, last_transition_at, expires_at
		FROM workflows WHERE correlation_id = ?
	`, id).Scan(&state, &reason, &created, &transition, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	rec := Record{
		CorrelationID:    id,
		State:            State(state),
		Reason:           reason,
		CreatedAt:        time.Unix(0, created).UTC(),
		LastTransitionAt: time.Unix(0, transition).UTC(),
		ExpiresAt:        time.Unix(0, expires).UTC(),
	}
	if rec.Expired(s.clock()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Sweep deletes expired records and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, s.unavailable("sweep", ErrStoreClosed)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE expires_at <= ?`, s.clock().UnixNano())
	if err != nil {
		return 0, s.unavailable("sweep", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) unavailable(op string, err error) error {
	return tferrors.StoreUnavailable("workflow.sqlite", op, err)
}
