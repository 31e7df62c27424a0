package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// dialect holds the statements one SQL backend needs. Placeholders bind in
// the same order for every dialect:
//
//	tryBegin: handler, event_id, first_attempt_at, recorded_at, expires_at
//	finish:   handler, event_id, status, first_attempt_at, recorded_at, expires_at, last_error
//	get:      handler, event_id
//	sweep:    now
type dialect struct {
	name       string
	tryBegin   string
	finish     string
	get        string
	sweep      string
	encodeTime func(time.Time) any
}

// sqlStore is the shared database/sql implementation behind the SQLite and
// Postgres stores. The single-row upsert makes TryBegin atomic in the
// database itself.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	opts    options
	mu      sync.RWMutex
	closed  bool
	ownsDB  bool
}

// maxLookupRetries bounds how often TryBegin re-reads a row that vanished
// between the upsert and the select (a concurrent sweep).
const maxLookupRetries = 3

func (s *sqlStore) TryBegin(ctx context.Context, key Key) (Decision, Record, error) {
	if err := key.validate(); err != nil {
		return Won, Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Won, Record{}, s.unavailable("try_begin", ErrStoreClosed)
	}

	for range maxLookupRetries {
		now := s.opts.clock().UTC()
		expires := now.Add(s.opts.ttls.InProgress)

		var (
			attempts  int
			firstRaw  any
			lastError sql.NullString
		)
		err := s.db.QueryRowContext(ctx, s.dialect.tryBegin,
			key.Handler, key.EventID,
			s.dialect.encodeTime(now), s.dialect.encodeTime(now), s.dialect.encodeTime(expires),
		).Scan(&attempts, &firstRaw, &lastError)

		switch {
		case err == nil:
			first, err := decodeTime(firstRaw)
			if err != nil {
				return Won, Record{}, s.unavailable("try_begin", err)
			}
			return Won, Record{
				Key:            key,
				Status:         StatusInProgress,
				Attempts:       attempts,
				FirstAttemptAt: first,
				RecordedAt:     now,
				ExpiresAt:      expires,
				LastError:      lastError.String,
			}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return Won, Record{}, s.unavailable("try_begin", err)
		}

		// The conflict guard rejected the update: a live DONE or IN_PROGRESS row.
		rec, ok, err := s.lookup(ctx, key)
		if err != nil {
			return Won, Record{}, s.unavailable("try_begin", err)
		}
		if !ok {
			continue
		}
		if rec.Status == StatusDone {
			return AlreadyDone, rec, nil
		}
		return AlreadyInProgress, rec, nil
	}

	return Won, Record{}, s.unavailable("try_begin",
		fmt.Errorf("record %s changed %d times during lookup", key, maxLookupRetries))
}

func (s *sqlStore) MarkDone(ctx context.Context, key Key) error {
	return s.finishKey(ctx, key, StatusDone, "", s.opts.ttls.Done, "mark_done")
}

func (s *sqlStore) MarkFailed(ctx context.Context, key Key, cause string) error {
	return s.finishKey(ctx, key, StatusFailed, cause, s.opts.ttls.Failed, "mark_failed")
}

func (s *sqlStore) finishKey(ctx context.Context, key Key, status Status, cause string, ttl time.Duration, op string) error {
	if err := key.validate(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return s.unavailable(op, ErrStoreClosed)
	}

	now := s.opts.clock().UTC()
	_, err := s.db.ExecContext(ctx, s.dialect.finish,
		key.Handler, key.EventID, string(status),
		s.dialect.encodeTime(now), s.dialect.encodeTime(now), s.dialect.encodeTime(now.Add(ttl)),
		cause,
	)
	if err != nil {
		return s.unavailable(op, err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, s.unavailable("get", ErrStoreClosed)
	}

	rec, ok, err := s.lookup(ctx, key)
	if err != nil {
		return Record{}, false, s.unavailable("get", err)
	}
	if !ok || rec.Expired(s.opts.clock()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *sqlStore) lookup(ctx context.Context, key Key) (Record, bool, error) {
	var (
		status    string
		attempts  int
		lastError sql.NullString
	)
	var firstRaw, recordedRaw, expiresRaw any
	err := s.db.QueryRowContext(ctx, s.dialect.get, key.Handler, key.EventID).
		Scan(&status, &attempts, &firstRaw, &recordedRaw, &expiresRaw, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	rec := Record{Key: key, Status: Status(status), Attempts: attempts, LastError: lastError.String}
	if rec.FirstAttemptAt, err = decodeTime(firstRaw); err != nil {
		return Record{}, false, err
	}
	if rec.RecordedAt, err = decodeTime(recordedRaw); err != nil {
		return Record{}, false, err
	}
	if rec.ExpiresAt, err = decodeTime(expiresRaw); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Sweep deletes expired records and returns how many were removed.
func (s *sqlStore) Sweep(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, s.unavailable("sweep", ErrStoreClosed)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.sweep, s.dialect.encodeTime(s.opts.clock().UTC()))
	if err != nil {
		return 0, s.unavailable("sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.unavailable("sweep", err)
	}
	return n, nil
}

func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) unavailable(op string, err error) error {
	return tferrors.StoreUnavailable(s.dialect.name, op, err)
}

// decodeTime accepts the column types the supported drivers return.
func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case int64:
		return time.Unix(0, t).UTC(), nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time column type %T", v)
	}
}

const (
	tryBeginSQL = `
		INSERT INTO idempotency_records
			(handler, event_id, status, attempts, first_attempt_at, recorded_at, expires_at, last_error)
		VALUES (?, ?, 'IN_PROGRESS', 1, ?, ?, ?, '')
		ON CONFLICT(handler, event_id) DO UPDATE SET
			status = 'IN_PROGRESS',
			attempts = CASE WHEN idempotency_records.expires_at > excluded.recorded_at
				THEN idempotency_records.attempts + 1 ELSE 1 END,
			first_attempt_at = CASE WHEN idempotency_records.expires_at > excluded.recorded_at
				THEN idempotency_records.first_attempt_at ELSE excluded.first_attempt_at END,
			last_error = CASE WHEN idempotency_records.expires_at > excluded.recorded_at
				THEN idempotency_records.last_error ELSE '' END,
			recorded_at = excluded.recorded_at,
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= excluded.recorded_at
			OR idempotency_records.status = 'FAILED'
		RETURNING attempts, first_attempt_at, last_error`

	finishSQL = `
		INSERT INTO idempotency_records
			(handler, event_id, status, attempts, first_attempt_at, recorded_at, expires_at, last_error)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(handler, event_id) DO UPDATE SET
			attempts = CASE WHEN idempotency_records.expires_at > excluded.recorded_at
				THEN idempotency_records.attempts ELSE 1 END,
			first_attempt_at = CASE WHEN idempotency_records.expires_at > excluded.recorded_at
				THEN idempotency_records.first_attempt_at ELSE excluded.first_attempt_at END,
			last_error = CASE
				WHEN excluded.status = 'FAILED' THEN excluded.last_error
				WHEN idempotency_records.expires_at > excluded.recorded_at THEN idempotency_records.last_error
				ELSE '' END,
			status = excluded.status,
			recorded_at = excluded.recorded_at,
			expires_at = excluded.expires_at
		WHERE NOT (idempotency_records.status = 'DONE'
			AND idempotency_records.expires_at > excluded.recorded_at)`

	getSQL = `
		SELECT status, attempts, first_attempt_at, recorded_at, expires_at, last_error
		FROM idempotency_records
		WHERE handler = ? AND event_id = ?`

	sweepSQL = `DELETE FROM idempotency_records WHERE expires_at <= ?`
)
