// Package deadletter decides when a failing event has used up its retry
// budget and keeps the events that have, so nothing is silently dropped.
//
// Policy.Decide is consulted by the router after a handler failure. A Retry
// decision leaves the workflow running and asks the transport to redeliver;
// a DeadLetter decision hands the event to a Sink. Queues additionally let a
// Processor replay entries that were dead-lettered by the transport.
package deadletter

import (
	"fmt"
	"time"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// Action is what to do with a failed event.
type Action int

const (
	// Retry asks the transport to redeliver the same event.
	Retry Action = iota

	// DeadLetter moves the event to a sink.
	DeadLetter
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action Action
	Reason string
}

// Policy bounds redelivery of a failing event.
type Policy struct {
	// MaxAttempts is the total number of handler attempts, across
	// redeliveries, before the event is dead-lettered.
	MaxAttempts int

	// MaxAge dead-letters an event whose first failure is older than this.
	// Zero disables the age limit.
	MaxAge time.Duration
}

// DefaultPolicy allows five attempts within an hour.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, MaxAge: time.Hour}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("deadletter: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.MaxAge < 0 {
		return fmt.Errorf("deadletter: max age must not be negative, got %s", p.MaxAge)
	}
	return nil
}

// Decide returns Retry while the event has budget left and err is
// transient. Permanent errors are dead-lettered at once.
func (p Policy) Decide(attempts int, firstFailedAt, now time.Time, err error) Decision {
	if !tferrors.IsRetryable(err) {
		return Decision{Action: DeadLetter, Reason: "permanent error"}
	}
	if attempts >= p.MaxAttempts {
		return Decision{Action: DeadLetter, Reason: fmt.Sprintf("max attempts (%d) exhausted", p.MaxAttempts)}
	}
	if p.MaxAge > 0 && !firstFailedAt.IsZero() && now.Sub(firstFailedAt) >= p.MaxAge {
		return Decision{Action: DeadLetter, Reason: fmt.Sprintf("max age (%s) exceeded", p.MaxAge)}
	}
	return Decision{Action: Retry}
}
