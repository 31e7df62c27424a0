// Package router dispatches canonical events to their registered handlers.
//
// Route runs each event through a fixed sequence of gates, in order, and
// stops at the first one that decides the outcome:
//
//  1. circuit breaker: failure reports are absorbed
//  2. registry: the type must have a contract and handlers
//  3. workflow state: intermediate events need a RUNNING workflow;
//     initiating events open one
//  4. idempotency: each handler runs at most once per event ID
//
// Handler results are then aggregated. A failure either leaves the workflow
// RUNNING and asks the transport to redeliver, or dead-letters the event,
// fails the workflow and publishes exactly one WorkflowFailed report. Success
// on a terminal contract completes the workflow.
//
// The gates are explicit steps in Route rather than handler middleware so
// the control flow reads top to bottom.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/breaker"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/bus"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/idempotency"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/observability"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/workflow"
)

// Gate names used in logs and metrics.
const (
	GateBreaker     = "circuit_breaker"
	GateWorkflow    = "workflow_state"
	GateIdempotency = "idempotency"
)

// Config wires a Router.
type Config struct {
	// Registry is required.
	Registry *event.Registry

	// Tracker is required.
	Tracker *workflow.Tracker

	// Idempotency is required.
	Idempotency idempotency.Store

	// Publisher receives follow-on events and failure reports. Required.
	Publisher bus.Publisher

	// DeadLetters receives events whose failures will not be retried.
	// Required.
	DeadLetters deadletter.Sink

	// Policy decides between redelivery and dead-lettering.
	// Default: deadletter.DefaultPolicy()
	Policy deadletter.Policy

	// Source is the source of events the router emits.
	// Default: "alchemiser.orchestrator"
	Source string

	// HandlerTimeout bounds one handler attempt when the binding sets none.
	// Zero means no bound.
	HandlerTimeout time.Duration

	// ReportRetry retries publishing the WorkflowFailed report.
	// Default: errors.DefaultRetry
	ReportRetry tferrors.RetryConfig

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultSource is the source of events emitted by the kernel.
const DefaultSource = "alchemiser.orchestrator"

// Router is the event dispatch kernel. It is safe for concurrent use.
type Router struct {
	cfg Config
}

// New validates cfg and builds a Router.
func New(cfg Config) (*Router, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, errors.New("registry is required"))
	}
	if cfg.Tracker == nil {
		errs = append(errs, errors.New("workflow tracker is required"))
	}
	if cfg.Idempotency == nil {
		errs = append(errs, errors.New("idempotency store is required"))
	}
	if cfg.Publisher == nil {
		errs = append(errs, errors.New("publisher is required"))
	}
	if cfg.DeadLetters == nil {
		errs = append(errs, errors.New("dead-letter sink is required"))
	}
	if cfg.Policy == (deadletter.Policy{}) {
		cfg.Policy = deadletter.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.ReportRetry.MaxAttempts <= 0 {
		cfg.ReportRetry = tferrors.DefaultRetry
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Router{cfg: cfg}, nil
}

// Route dispatches evt. Gate skips are outcomes, not errors. A non-nil
// error accompanies STORE_UNAVAILABLE and retryable FAILURE outcomes (the
// transport should redeliver) and UNROUTABLE (a configuration defect).
func (r *Router) Route(ctx context.Context, evt event.Event) (Outcome, error) {
	if evt == nil {
		return Outcome{Code: Unroutable, Detail: "nil event"}, errors.New("router: nil event")
	}

	start := time.Now()
	logger := observability.EnrichLogger(r.cfg.Logger, evt.CorrelationID(), evt.ID(), evt.Type().String())
	ctx, span := r.cfg.Spans.StartRouteSpan(ctx, evt.Type().String(), evt.ID(), evt.CorrelationID())
	observability.LogRouteStart(logger)

	out, err := r.route(ctx, logger, evt)

	elapsed := time.Since(start)
	r.cfg.Spans.EndSpanWithError(span, err)
	r.cfg.Metrics.RecordRoute(ctx, evt.Type().String(), string(out.Code), elapsed)
	observability.LogRouteOutcome(logger, string(out.Code), len(out.Handlers), float64(elapsed.Microseconds())/1000)
	return out, err
}

func (r *Router) route(ctx context.Context, logger *slog.Logger, evt event.Event) (Outcome, error) {
	if breaker.IsReflexiveFailureEvent(evt) {
		return r.skip(ctx, logger, evt, Outcome{}, SkippedCircuitBreaker, GateBreaker,
			fmt.Sprintf("%s reports a failure and is never dispatched", evt.Type())), nil
	}

	contract, ok := r.cfg.Registry.Lookup(evt.Type())
	bindings := r.cfg.Registry.Bindings(evt.Type())
	if !ok || (len(bindings) == 0 && contract.Role != event.RoleTerminal) {
		err := &tferrors.UnroutableEventError{Type: evt.Type().String(), EventID: evt.ID()}
		observability.LogUnroutable(logger, err)
		return Outcome{Code: Unroutable, Detail: err.Error()}, err
	}

	var out Outcome
	if contract.Role == event.RoleInitiating {
		created, err := r.cfg.Tracker.Start(ctx, evt.CorrelationID())
		if err != nil {
			return r.storeFailure(logger, out, "workflow", "start", err)
		}
		out.Started = created
	}
	if !out.Started {
		active, err := r.cfg.Tracker.IsActive(ctx, evt.CorrelationID())
		if err != nil {
			return r.storeFailure(logger, out, "workflow", "is_active", err)
		}
		if !active {
			return r.skip(ctx, logger, evt, out, SkippedWorkflowTerminal, GateWorkflow,
				fmt.Sprintf("workflow %s is not running", evt.CorrelationID())), nil
		}
	}

	for _, b := range bindings {
		ho, err := r.dispatch(ctx, logger, evt, b)
		out.Handlers = append(out.Handlers, ho)
		if err != nil {
			return r.storeFailure(logger, out, "idempotency", "dispatch", err)
		}
	}

	return r.aggregate(ctx, logger, evt, contract, out)
}

func (r *Router) aggregate(ctx context.Context, logger *slog.Logger, evt event.Event, contract *event.Contract, out Outcome) (Outcome, error) {
	var (
		failed     []*HandlerOutcome
		deadLetter bool
		ran        bool
		inProgress bool
	)
	for i := range out.Handlers {
		h := &out.Handlers[i]
		switch h.Status {
		case HandlerFailed:
			failed = append(failed, h)
			if !h.Retryable {
				deadLetter = true
			}
		case HandlerSucceeded:
			ran = true
		case HandlerSkippedInProgress:
			inProgress = true
		case HandlerSkippedDone:
		}
	}

	if len(failed) > 0 {
		if deadLetter {
			return r.failWorkflow(ctx, logger, evt, out, failed)
		}
		out.Code = Failure
		out.Detail = fmt.Sprintf("%s; redelivery will retry", failureReason(failed))
		err := failed[0].Err
		if !tferrors.IsRetryable(err) {
			return out, tferrors.Transient(err, "awaiting redelivery")
		}
		return out, fmt.Errorf("awaiting redelivery: %w", err)
	}

	if contract.Role == event.RoleTerminal && !inProgress {
		tr, err := r.cfg.Tracker.Complete(ctx, evt.CorrelationID())
		if err != nil {
			return r.storeFailure(logger, out, "workflow", "complete", err)
		}
		out.Finished, out.Transition = true, tr
	}

	if len(out.Handlers) > 0 && !ran {
		return r.skip(ctx, logger, evt, out, SkippedIdempotent, GateIdempotency,
			"every handler already processed or is processing this event"), nil
	}

	out.Code = Success
	out.Detail = fmt.Sprintf("%d handler(s) succeeded", countStatus(out.Handlers, HandlerSucceeded))
	if len(out.Handlers) == 0 {
		out.Detail = "workflow completed"
	}
	return out, nil
}

// failWorkflow dead-letters the event, fails the workflow and, only if this
// call applied the transition, reports the failure. Retryable siblings are
// included: once the workflow is FAILED the terminal gate stops their
// redelivery.
func (r *Router) failWorkflow(ctx context.Context, logger *slog.Logger, evt event.Event, out Outcome, failed []*HandlerOutcome) (Outcome, error) {
	entry, err := r.deadLetterEntry(evt, failed)
	if err != nil {
		out.Code = Failure
		out.Detail = err.Error()
		return out, tferrors.Permanent(err, "dead-letter entry")
	}
	if err := r.cfg.DeadLetters.Enqueue(ctx, entry); err != nil {
		return r.storeFailure(logger, out, "deadletter", "enqueue", err)
	}
	for _, h := range failed {
		h.DeadLettered = true
		observability.LogDeadLetter(logger, evt.ID(), h.Handler, h.Attempts, h.Err)
		r.cfg.Metrics.RecordDeadLetter(ctx, evt.Type().String(), h.Handler)
	}

	reason := failureReason(failed)
	tr, err := r.cfg.Tracker.Fail(ctx, evt.CorrelationID(), reason)
	if err != nil {
		return r.storeFailure(logger, out, "workflow", "fail", err)
	}
	out.Finished, out.Transition = true, tr
	out.Code = Failure
	out.Detail = reason

	if tr == workflow.Applied {
		if err := r.reportFailure(ctx, evt, failed, reason); err != nil {
			// The workflow is already FAILED; redelivery would stop at the
			// terminal gate, so the error is not returned.
			if logger != nil {
				logger.Error("failure report not published", slog.String("error", err.Error()))
			}
			out.Detail = fmt.Sprintf("%s; failure report not published: %v", reason, err)
		}
	}
	return out, nil
}

// deadLetterEntry builds one entry per event. With several failed handlers
// the entry names all of them and keeps the largest attempt count and the
// earliest first attempt.
func (r *Router) deadLetterEntry(evt event.Event, failed []*HandlerOutcome) (*deadletter.Entry, error) {
	var (
		names    []string
		errs     []error
		attempts int
		first    time.Time
	)
	for _, h := range failed {
		names = append(names, h.Handler)
		errs = append(errs, h.Err)
		attempts = max(attempts, h.Attempts)
		if first.IsZero() || (!h.FirstAttemptAt.IsZero() && h.FirstAttemptAt.Before(first)) {
			first = h.FirstAttemptAt
		}
	}
	return deadletter.NewEntry(evt, deadletter.OriginHandler, strings.Join(names, ","), attempts, first,
		r.cfg.Clock().UTC(), errors.Join(errs...))
}

func (r *Router) reportFailure(ctx context.Context, evt event.Event, failed []*HandlerOutcome, reason string) error {
	payload := event.WorkflowFailedPayload{
		Reason:          reason,
		FailedEventID:   evt.ID(),
		FailedEventType: evt.Type(),
	}
	for _, h := range failed {
		payload.Handlers = append(payload.Handlers, h.Handler)
		payload.Errors = append(payload.Errors, h.Err.Error())
	}
	report := event.NewFromParent(evt, event.TypeWorkflowFailed, r.cfg.Source, payload,
		event.WithEventID(event.DerivedID(evt, r.cfg.Source, -1)),
		event.WithTimestamp(r.cfg.Clock().UTC()))

	res := tferrors.WithRetryContext(ctx, r.cfg.ReportRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.publish(ctx, report)
	})
	return res.Err
}

// publish sends evt and treats uncategorized bus errors as transient.
func (r *Router) publish(ctx context.Context, evt event.Event) error {
	err := r.cfg.Publisher.Publish(ctx, evt)
	if err == nil {
		return nil
	}
	var categorized *tferrors.CategorizedError
	if errors.As(err, &categorized) {
		return err
	}
	return tferrors.Transient(err, "publish "+evt.Type().String())
}

func (r *Router) skip(ctx context.Context, logger *slog.Logger, evt event.Event, out Outcome, code Code, gate, detail string) Outcome {
	out.Code = code
	out.Detail = detail
	observability.LogGateSkip(logger, gate, detail)
	r.cfg.Metrics.RecordGateSkip(ctx, gate, evt.Type().String())
	return out
}

func (r *Router) storeFailure(logger *slog.Logger, out Outcome, store, op string, err error) (Outcome, error) {
	observability.LogStoreError(logger, store, op, err)
	var unavailable *tferrors.StoreUnavailableError
	if !errors.As(err, &unavailable) {
		err = tferrors.StoreUnavailable(store, op, err)
	}
	out.Code = StoreUnavailable
	out.Detail = err.Error()
	return out, err
}

func failureReason(failed []*HandlerOutcome) string {
	if len(failed) == 1 {
		return fmt.Sprintf("handler %s failed: %v", failed[0].Handler, failed[0].Err)
	}
	names := make([]string, len(failed))
	for i, h := range failed {
		names[i] = h.Handler
	}
	return fmt.Sprintf("%d handlers failed %v: %v", len(failed), names, failed[0].Err)
}

func countStatus(hs []HandlerOutcome, s HandlerStatus) int {
	n := 0
	for _, h := range hs {
		if h.Status == s {
			n++
		}
	}
	return n
}
