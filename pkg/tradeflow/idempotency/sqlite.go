package idempotency

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists records to SQLite.
// It is suitable for single-host deployments where several worker
// processes share one database file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) the database at path.
// Use ":memory:" for tests.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_records (
			handler TEXT NOT NULL,
			event_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			first_attempt_at INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (handler, event_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at
		ON idempotency_records(expires_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{sqlStore{
		db:      db,
		dialect: sqliteDialect,
		opts:    o,
		ownsDB:  true,
	}}, nil
}

// Times are stored as Unix nanoseconds so comparisons stay numeric.
var sqliteDialect = dialect{
	name:       "idempotency.sqlite",
	tryBegin:   tryBeginSQL,
	finish:     finishSQL,
	get:        getSQL,
	sweep:      sweepSQL,
	encodeTime: func(t time.Time) any { return t.UnixNano() },
}
