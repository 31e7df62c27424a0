package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/breaker"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/idempotency"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/observability"
)

// dispatch runs one binding behind the idempotency gate. The returned error
// is always a store failure; handler failures are recorded in the outcome.
func (r *Router) dispatch(ctx context.Context, logger *slog.Logger, evt event.Event, b event.Binding) (HandlerOutcome, error) {
	ho := HandlerOutcome{Handler: b.Name}
	key := idempotency.Key{Handler: b.Name, EventID: evt.ID()}

	decision, rec, err := r.cfg.Idempotency.TryBegin(ctx, key)
	if err != nil {
		return ho, err
	}
	ho.Attempts = rec.Attempts
	ho.FirstAttemptAt = rec.FirstAttemptAt

	if decision != idempotency.Won {
		ho.Status = statusFor(decision)
		ho.RecordedAt = rec.RecordedAt
		observability.LogHandlerSkip(logger, b.Name, decision.String())
		r.cfg.Metrics.RecordGateSkip(ctx, GateIdempotency, evt.Type().String())
		return ho, nil
	}

	published, dropped, runErr := r.run(ctx, logger, evt, b)
	ho.Published, ho.Dropped = published, dropped

	if runErr == nil {
		if err := r.cfg.Idempotency.MarkDone(ctx, key); err != nil {
			return ho, err
		}
		ho.Status = HandlerSucceeded
		return ho, nil
	}

	ho.Status = HandlerFailed
	ho.Err = runErr
	if err := r.cfg.Idempotency.MarkFailed(ctx, key, runErr.Error()); err != nil {
		return ho, err
	}

	d := r.cfg.Policy.Decide(rec.Attempts, rec.FirstAttemptAt, r.cfg.Clock(), runErr)
	ho.Retryable = d.Action == deadletter.Retry
	ho.PolicyReason = d.Reason
	observability.LogHandlerError(logger, b.Name, rec.Attempts, ho.Retryable, runErr)
	return ho, nil
}

// run invokes the handler with recovery, a per-attempt timeout and the
// binding's in-process retry, then screens and publishes its follow-on
// events. Follow-ons are published before the caller marks the key DONE,
// under ids derived from the parent so a redelivery republishes the same ids.
func (r *Router) run(ctx context.Context, logger *slog.Logger, evt event.Event, b event.Binding) (published, dropped int, err error) {
	ctx, span := r.cfg.Spans.StartHandlerSpan(ctx, b.Name)
	start := time.Now()
	defer func() {
		r.cfg.Metrics.RecordHandler(ctx, b.Name, time.Since(start), err)
		r.cfg.Spans.EndSpanWithError(span, err)
	}()

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = r.cfg.HandlerTimeout
	}
	handler := event.ChainMiddleware(b.Handler, event.RecoveryMiddleware())

	result := tferrors.WithRetryContext(ctx, b.Retry, func(ctx context.Context) ([]event.Event, error) {
		return attempt(ctx, handler, evt, timeout)
	})
	if result.Err != nil {
		return 0, 0, &tferrors.HandlerError{Handler: b.Name, EventID: evt.ID(), Err: result.Err}
	}

	derived, dropped, err := r.screen(logger, evt, result.Value)
	if err != nil {
		return 0, dropped, &tferrors.HandlerError{Handler: b.Name, EventID: evt.ID(), Err: tferrors.Permanent(err, "derived event")}
	}
	for i, child := range derived {
		child = event.Restamp(child, event.DerivedID(evt, b.Name, i))
		if err := r.publish(ctx, child); err != nil {
			return i, dropped, &tferrors.HandlerError{Handler: b.Name, EventID: evt.ID(), Err: err}
		}
		r.cfg.Spans.AddSpanEvent(ctx, "published "+child.Type().String())
	}
	return len(derived), dropped, nil
}

func attempt(ctx context.Context, h event.Handler, evt event.Event, timeout time.Duration) ([]event.Event, error) {
	if timeout <= 0 {
		return h.Handle(ctx, evt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := h.Handle(actx, evt)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %w", &tferrors.TimeoutError{Operation: "handler " + evt.Type().String(), Duration: timeout}, err)
	}
	return out, err
}

// screen drops failure reports (only the router reports failures) and
// rejects follow-ons that break the causal chain or violate their contract.
func (r *Router) screen(logger *slog.Logger, parent event.Event, derived []event.Event) ([]event.Event, int, error) {
	kept := make([]event.Event, 0, len(derived))
	dropped := 0
	for _, child := range derived {
		if err := event.CheckCausation(parent, child); err != nil {
			return nil, dropped, err
		}
		if breaker.IsReflexiveFailureEvent(child) {
			dropped++
			if logger != nil {
				logger.Warn("handler returned a failure report; dropped",
					slog.String("derived_type", child.Type().String()),
					slog.String("derived_id", child.ID()),
				)
			}
			continue
		}
		if _, ok := r.cfg.Registry.Lookup(child.Type()); ok {
			if err := r.cfg.Registry.Validate(child); err != nil {
				return nil, dropped, fmt.Errorf("derived event %s: %w", child.ID(), err)
			}
		}
		kept = append(kept, child)
	}
	return kept, dropped, nil
}
