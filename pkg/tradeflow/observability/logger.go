// Package observability provides structured logging, metrics, and tracing
// for the orchestration kernel.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// Every helper tolerates a nil logger, and both metrics and tracing have no-op
// implementations for when they are disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	log := EnrichLogger(logger, evt.CorrelationID(), evt.ID(), string(evt.Type()))
//	log.Info("dispatching") // includes correlation_id, event_id, event_type
func EnrichLogger(logger *slog.Logger, correlationID, eventID, eventType string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
	)
}

// LogShapeDetected logs the envelope shape of an accepted invocation.
func LogShapeDetected(logger *slog.Logger, kind, route, eventType string) {
	if logger == nil {
		return
	}
	logger.Debug("envelope classified",
		slog.String("kind", kind),
		slog.String("route", route),
		slog.String("event_type", eventType),
	)
}

// LogClassificationFailed logs a rejected invocation.
func LogClassificationFailed(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("envelope rejected",
		slog.String("error", err.Error()),
	)
}

// LogWorkflowStarted logs a new workflow run opened by a trigger.
func LogWorkflowStarted(logger *slog.Logger, correlationID, mode, triggerSource string) {
	if logger == nil {
		return
	}
	logger.Info("workflow started",
		slog.String("correlation_id", correlationID),
		slog.String("mode", mode),
		slog.String("trigger_source", triggerSource),
	)
}

// LogRouteStart logs the start of routing one event.
func LogRouteStart(logger *slog.Logger) {
	if logger == nil {
		return
	}
	logger.Debug("routing event")
}

// LogRouteOutcome logs the final outcome of routing one event.
func LogRouteOutcome(logger *slog.Logger, outcome string, handlers int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("event routed",
		slog.String("outcome", outcome),
		slog.Int("handlers", handlers),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogGateSkip logs an event stopped by a gate. Skips are not failures.
func LogGateSkip(logger *slog.Logger, gate, detail string) {
	if logger == nil {
		return
	}
	logger.Info("event skipped",
		slog.String("gate", gate),
		slog.String("detail", detail),
	)
}

// LogUnroutable logs a recognized event type with no route. This is a
// configuration defect, so it logs at error level.
func LogUnroutable(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("event unroutable",
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs a failed handler attempt.
func LogHandlerError(logger *slog.Logger, handler string, attempts int, retryable bool, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("handler", handler),
		slog.Int("attempts", attempts),
		slog.Bool("retryable", retryable),
		slog.String("error", err.Error()),
	)
}

// LogHandlerSkip logs a handler skipped by the idempotency gate.
func LogHandlerSkip(logger *slog.Logger, handler, decision string) {
	if logger == nil {
		return
	}
	logger.Info("handler skipped",
		slog.String("handler", handler),
		slog.String("decision", decision),
	)
}

// LogTransition logs an applied workflow state transition.
func LogTransition(logger *slog.Logger, correlationID, from, to, reason string) {
	if logger == nil {
		return
	}
	logger.Info("workflow transitioned",
		slog.String("correlation_id", correlationID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// LogIllegalTransition logs a transition attempted from a terminal state.
// It is not an error: concurrent stages legitimately race to finish a run.
func LogIllegalTransition(logger *slog.Logger, correlationID, current, target string) {
	if logger == nil {
		return
	}
	logger.Warn("workflow transition ignored",
		slog.String("correlation_id", correlationID),
		slog.String("current", current),
		slog.String("target", target),
	)
}

// LogDeadLetter logs an event handed to the dead-letter sink.
func LogDeadLetter(logger *slog.Logger, eventID, handler string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogStoreError logs a store failure that will be left to redelivery.
func LogStoreError(logger *slog.Logger, store, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("store unavailable",
		slog.String("store", store),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// The returned function reports the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
