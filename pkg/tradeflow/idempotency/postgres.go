package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresSchema creates the records table. Migrate runs it.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	handler TEXT NOT NULL,
	event_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	first_attempt_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (handler, event_id)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency_records(expires_at);
`

// PostgresStore persists records to Postgres, shared by every worker.
// The caller owns db; Close does not close it.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore wraps an open Postgres handle.
func NewPostgresStore(db *sql.DB, opts ...Option) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("idempotency: nil database handle")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore{db: db, dialect: postgresDialect, opts: o}}, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate idempotency schema: %w", err)
	}
	return nil
}

var postgresDialect = dialect{
	name:       "idempotency.postgres",
	tryBegin:   rebind(tryBeginSQL),
	finish:     rebind(finishSQL),
	get:        rebind(getSQL),
	sweep:      rebind(sweepSQL),
	encodeTime: func(t time.Time) any { return t.UTC() },
}

// rebind rewrites "?" placeholders as "$1", "$2", ...
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
