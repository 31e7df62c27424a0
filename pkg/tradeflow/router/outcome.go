package router

import (
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/idempotency"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/workflow"
)

// Code is the result of routing one event.
type Code string

const (
	// Success means every bound handler ran or had already run.
	Success Code = "SUCCESS"

	// Failure means at least one handler failed.
	Failure Code = "FAILURE"

	// SkippedCircuitBreaker means the event reports a failure and was absorbed.
	SkippedCircuitBreaker Code = "SKIPPED_CIRCUIT_BREAKER"

	// Unroutable means the type has no contract or no handlers.
	Unroutable Code = "UNROUTABLE"

	// SkippedWorkflowTerminal means the workflow is not RUNNING.
	SkippedWorkflowTerminal Code = "SKIPPED_WORKFLOW_TERMINAL"

	// SkippedIdempotent means every handler was already done or in progress.
	SkippedIdempotent Code = "SKIPPED_IDEMPOTENT"

	// StoreUnavailable means a durable store failed; the transport should
	// redeliver.
	StoreUnavailable Code = "STORE_UNAVAILABLE"
)

// Skipped reports whether the code is a gate skip.
func (c Code) Skipped() bool {
	switch c {
	case SkippedCircuitBreaker, SkippedWorkflowTerminal, SkippedIdempotent:
		return true
	case Success, Failure, Unroutable, StoreUnavailable:
		return false
	default:
		return false
	}
}

// HandlerStatus is what happened to one binding.
type HandlerStatus string

const (
	HandlerSucceeded         HandlerStatus = "succeeded"
	HandlerFailed            HandlerStatus = "failed"
	HandlerSkippedDone       HandlerStatus = "skipped_done"
	HandlerSkippedInProgress HandlerStatus = "skipped_in_progress"
)

// HandlerOutcome records one binding's part in a route.
type HandlerOutcome struct {
	Handler string
	Status  HandlerStatus

	// Attempts counts deliveries of this event to this handler, including
	// the current one.
	Attempts int

	// FirstAttemptAt is when this handler first saw the event.
	FirstAttemptAt time.Time

	// Published counts follow-on events sent to the bus.
	Published int

	// Dropped counts follow-on events discarded because they report failures.
	Dropped int

	// RecordedAt is when a skipped handler's previous outcome was stored.
	RecordedAt time.Time

	// Err is the final handler error.
	Err error

	// Retryable is true when the retry policy leaves the failure to
	// redelivery.
	Retryable bool

	// PolicyReason explains a dead-letter decision.
	PolicyReason string

	// DeadLettered is true when the event was handed to the dead-letter sink
	// for this handler.
	DeadLettered bool
}

// Outcome is the result of Route.
type Outcome struct {
	Code Code

	// Detail is a short human readable explanation.
	Detail string

	// Handlers lists per-binding results in subscription order.
	Handlers []HandlerOutcome

	// Finished is true when the route called Fail or Complete; Transition
	// is meaningful only then.
	Finished   bool
	Transition workflow.Transition

	// Started is true when an initiating event created the workflow.
	Started bool
}

func statusFor(d idempotency.Decision) HandlerStatus {
	if d == idempotency.AlreadyDone {
		return HandlerSkippedDone
	}
	return HandlerSkippedInProgress
}
