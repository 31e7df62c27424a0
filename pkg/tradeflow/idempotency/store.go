// Package idempotency records which handler has processed which event, so
// at-least-once delivery never causes a side effect twice.
//
// Records are keyed by (handler name, event ID). TryBegin is an atomic
// compare-and-set: among concurrent callers for the same key exactly one
// wins. Every backend enforces this at the storage layer, not with an
// in-process lock, so it holds across processes.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Decision is the outcome of TryBegin.
type Decision int

const (
	// Won means the caller must run the handler.
	Won Decision = iota

	// AlreadyDone means a previous attempt succeeded; skip.
	AlreadyDone

	// AlreadyInProgress means another worker holds the key; skip.
	AlreadyInProgress
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Won:
		return "WON"
	case AlreadyDone:
		return "ALREADY_DONE"
	case AlreadyInProgress:
		return "ALREADY_IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// Key identifies one handler's processing of one event.
type Key struct {
	Handler string
	EventID string
}

// String returns "handler:event_id".
func (k Key) String() string {
	return k.Handler + ":" + k.EventID
}

func (k Key) validate() error {
	if k.Handler == "" || k.EventID == "" {
		return fmt.Errorf("idempotency: key %q needs both handler and event id", k.String())
	}
	return nil
}

// Record is the stored state of a key.
type Record struct {
	Key            Key
	Status         Status
	Attempts       int
	FirstAttemptAt time.Time
	RecordedAt     time.Time
	ExpiresAt      time.Time
	LastError      string
}

// Expired reports whether the record no longer counts at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TTLs bounds how long each status is retained.
type TTLs struct {
	// InProgress un-wedges a key whose worker crashed mid-handler.
	InProgress time.Duration

	// Done must exceed the bus's maximum redelivery window.
	Done time.Duration

	// Failed is shorter than Done so a failed attempt can be reclaimed.
	// Expiry forgets the attempt count, so it must outlive the retry
	// policy's max age.
	Failed time.Duration
}

// DefaultTTLs returns the production retention windows.
func DefaultTTLs() TTLs {
	return TTLs{
		InProgress: 15 * time.Minute,
		Done:       7 * 24 * time.Hour,
		Failed:     24 * time.Hour,
	}
}

// Validate checks the TTL ordering.
func (t TTLs) Validate() error {
	if t.InProgress <= 0 || t.Done <= 0 || t.Failed <= 0 {
		return fmt.Errorf("idempotency: all TTLs must be positive: %+v", t)
	}
	if t.Failed >= t.Done {
		return fmt.Errorf("idempotency: failed TTL %s must be shorter than done TTL %s", t.Failed, t.Done)
	}
	return nil
}

// Store is the idempotency store. Implementations must be safe for
// concurrent use and return *errors.StoreUnavailableError on I/O failure.
type Store interface {
	// TryBegin claims key. A missing, expired or FAILED record is claimed
	// (Won) and moves to IN_PROGRESS. A reclaimed FAILED record keeps its
	// attempt count and first attempt time.
	TryBegin(ctx context.Context, key Key) (Decision, Record, error)

	// MarkDone moves key to DONE. Calling it on a DONE record is a no-op.
	MarkDone(ctx context.Context, key Key) error

	// MarkFailed moves key to FAILED. It never overwrites DONE.
	MarkFailed(ctx context.Context, key Key, cause string) error

	// Get returns the unexpired record for key.
	Get(ctx context.Context, key Key) (Record, bool, error)

	// Close releases any resources.
	Close() error
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("idempotency: store closed")

// Option configures a store.
type Option func(*options)

type options struct {
	ttls      TTLs
	clock     func() time.Time
	keyPrefix string
}

func buildOptions(opts []Option) (options, error) {
	o := options{ttls: DefaultTTLs(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.ttls.Validate(); err != nil {
		return o, err
	}
	return o, nil
}

// WithTTLs overrides the retention windows.
func WithTTLs(t TTLs) Option {
	return func(o *options) { o.ttls = t }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithKeyPrefix namespaces keys in shared key-value backends.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}
