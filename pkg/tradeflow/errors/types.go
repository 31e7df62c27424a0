package errors

import (
	"fmt"
	"strings"
	"time"
)

// ClassificationError indicates an inbound envelope could not be normalized.
// It is fatal for the invocation and never retried by the kernel.
type ClassificationError struct {
	// Reason describes why classification failed.
	Reason string

	// Fields lists the offending field paths, sorted.
	Fields []string
}

// Error implements the error interface.
func (e *ClassificationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("classification failed: %s: %s", e.Reason, strings.Join(e.Fields, ", "))
	}
	return "classification failed: " + e.Reason
}

// UnroutableEventError indicates a recognized event type has no contract or
// handlers registered. This is a configuration defect.
type UnroutableEventError struct {
	Type    string
	EventID string
}

// Error implements the error interface.
func (e *UnroutableEventError) Error() string {
	return fmt.Sprintf("no route registered for event type %q (event %s)", e.Type, e.EventID)
}

// HandlerError is a business-stage failure raised by a handler.
// Its category is that of the wrapped error.
type HandlerError struct {
	Handler string
	EventID string
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on event %s: %v", e.Handler, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// StoreUnavailableError indicates a durable store I/O failure. The kernel does
// not retry it in-process; the transport's redelivery does.
type StoreUnavailableError struct {
	// Store names the backing store (idempotency, workflow, deadletter).
	Store string

	// Op is the operation that failed.
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable during %s: %v", e.Store, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// StoreUnavailable wraps err as a StoreUnavailableError. A nil err returns nil.
func StoreUnavailable(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreUnavailableError{Store: store, Op: op, Err: err}
}

// HTTPError represents an HTTP failure from a downstream service, typically a
// broker or notification API called from a stage handler.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Duration)
}
