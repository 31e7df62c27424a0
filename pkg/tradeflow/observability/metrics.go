package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records kernel metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordRoute records one routed event and its outcome code.
	RecordRoute(ctx context.Context, eventType, outcome string, duration time.Duration)

	// RecordHandler records one handler dispatch.
	RecordHandler(ctx context.Context, handler string, duration time.Duration, err error)

	// RecordGateSkip records an event or handler stopped by a gate.
	RecordGateSkip(ctx context.Context, gate, eventType string)

	// RecordDeadLetter records an event handed to the dead-letter sink.
	RecordDeadLetter(ctx context.Context, eventType, handler string)

	// RecordTransition records an applied workflow state transition.
	RecordTransition(ctx context.Context, state string)
}

type otelMetrics struct {
	routes          metric.Int64Counter
	routeLatency    metric.Float64Histogram
	handlerCalls    metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	gateSkips       metric.Int64Counter
	deadLetters     metric.Int64Counter
	transitions     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("tradeflow")
	m := &otelMetrics{}
	var err error

	if m.routes, err = meter.Int64Counter("tradeflow.route.events",
		metric.WithDescription("Number of routed events by outcome"),
	); err != nil {
		return nil, err
	}
	if m.routeLatency, err = meter.Float64Histogram("tradeflow.route.latency_ms",
		metric.WithDescription("Event routing latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handlerCalls, err = meter.Int64Counter("tradeflow.handler.calls",
		metric.WithDescription("Number of handler dispatches"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("tradeflow.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("tradeflow.handler.errors",
		metric.WithDescription("Number of failed handler dispatches"),
	); err != nil {
		return nil, err
	}
	if m.gateSkips, err = meter.Int64Counter("tradeflow.gate.skips",
		metric.WithDescription("Number of dispatches stopped by a gate"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("tradeflow.deadletter.events",
		metric.WithDescription("Number of dead-lettered events"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("tradeflow.workflow.transitions",
		metric.WithDescription("Number of applied workflow state transitions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider; set it first with
// otel.SetMeterProvider.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordRoute(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.routes.Add(ctx, 1, attrs)
	m.routeLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordHandler(ctx context.Context, handler string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("handler", handler))
	m.handlerCalls.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordGateSkip(ctx context.Context, gate, eventType string) {
	m.gateSkips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gate", gate),
		attribute.String("event_type", eventType),
	))
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType, handler string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
	))
}

func (m *otelMetrics) RecordTransition(ctx context.Context, state string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
