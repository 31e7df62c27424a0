// Package workflow tracks the lifecycle of a workflow, identified by its
// correlation ID, so the router can refuse work for workflows that have
// already failed or completed.
//
// The lifecycle is RUNNING, then exactly one of FAILED or COMPLETED.
// Terminal states are final. Every Store makes the transition a
// compare-and-set in the backing storage, so concurrent workers cannot both
// apply it.
package workflow

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a workflow.
type State string

const (
	StateRunning   State = "RUNNING"
	StateFailed    State = "FAILED"
	StateCompleted State = "COMPLETED"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateCompleted
}

// Record is the stored state of one workflow.
type Record struct {
	CorrelationID    string    `json:"correlation_id"`
	State            State     `json:"state"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Expired reports whether the record has outlived its retention at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists workflow records. Implementations must be safe for
// concurrent use and return *errors.StoreUnavailableError on I/O failure.
// Expired records behave as absent.
type Store interface {
	// Create stores rec unless a live record exists. It returns the stored
	// record and whether this call created it.
	Create(ctx context.Context, rec Record) (Record, bool, error)

	// CompareAndSet replaces the record's state, reason, transition time and
	// expiry with next's only if its current state is from. It returns the
	// record as it stands after the call and whether the swap happened. A
	// zero Record means no live record exists.
	CompareAndSet(ctx context.Context, id string, from State, next Record) (Record, bool, error)

	// Get returns the live record for id.
	Get(ctx context.Context, id string) (Record, bool, error)

	// Close releases any resources.
	Close() error
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("workflow: store closed")

// ErrEmptyCorrelationID is returned when a workflow has no identity.
var ErrEmptyCorrelationID = errors.New("workflow: empty correlation id")
