package tradeflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/bus"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/config"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/envelope"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/observability"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/router"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/workflow"
)

// Version is reported in every Response.
const Version = "1.0.0"

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Outcomes produced by the kernel itself, alongside the router's codes.
const (
	OutcomeWorkflowStarted      router.Code = "WORKFLOW_STARTED"
	OutcomeClassificationFailed router.Code = "CLASSIFICATION_FAILED"
	OutcomePublishFailed        router.Code = "PUBLISH_FAILED"
)

// workflowStartedSpace namespaces the deterministic root event ids.
var workflowStartedSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tradeflow:workflow-started"))

// scheduledRunSpace namespaces the correlation ids of scheduler ticks.
var scheduledRunSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tradeflow:scheduled-run"))

// Response describes one processed invocation.
type Response struct {
	Status        string `json:"status"`
	Mode          string `json:"mode,omitempty"`
	Outcome       string `json:"outcome"`
	OutcomeDetail string `json:"outcome_detail"`
	CorrelationID string `json:"correlation_id,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	Version       string `json:"version"`
}

// Option configures a Kernel.
type Option func(*kernelConfig)

type kernelConfig struct {
	settings config.Settings
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	clock    func() time.Time
}

// WithSettings replaces config.Defaults().
func WithSettings(s config.Settings) Option {
	return func(c *kernelConfig) { c.settings = s }
}

// WithLogger sets the structured logger. Default: no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *kernelConfig) { c.logger = logger }
}

// WithMetrics enables metrics recording.
// Default: observability.NoopMetrics{}
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *kernelConfig) { c.metrics = m }
}

// WithSpans enables tracing.
// Default: observability.NoopSpanManager{}
func WithSpans(s observability.SpanManager) Option {
	return func(c *kernelConfig) { c.spans = s }
}

// WithClock overrides time.Now for stores, policy and events.
func WithClock(clock func() time.Time) Option {
	return func(c *kernelConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Kernel is the single entry point of the orchestration substrate. It
// classifies every inbound invocation and either starts a workflow run or
// routes a domain event. It is safe for concurrent use.
type Kernel struct {
	normalizer  *envelope.Normalizer
	router      *router.Router
	tracker     *workflow.Tracker
	publisher   bus.Publisher
	deadLetters deadletter.Sink
	source      string
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	clock       func() time.Time
}

// New builds a Kernel over reg and stores. Events the kernel and its
// handlers emit go to pub.
func New(reg *event.Registry, stores *Stores, pub bus.Publisher, opts ...Option) (*Kernel, error) {
	cfg := kernelConfig{
		settings: config.Defaults(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if stores == nil {
		return nil, errors.New("tradeflow: stores are required")
	}
	if err := cfg.settings.Validate(); err != nil {
		return nil, fmt.Errorf("tradeflow: %w", err)
	}

	tracker := workflow.NewTracker(stores.Workflow,
		workflow.WithRetention(cfg.settings.WorkflowRetention),
		workflow.WithClock(cfg.clock),
		workflow.WithLogger(cfg.logger),
		workflow.WithMetrics(cfg.metrics),
	)

	normCfg := cfg.settings.Normalizer()
	normCfg.Registry = reg
	normCfg.Logger = cfg.logger
	normalizer, err := envelope.NewNormalizer(normCfg)
	if err != nil {
		return nil, fmt.Errorf("tradeflow: %w", err)
	}

	rt, err := router.New(router.Config{
		Registry:       reg,
		Tracker:        tracker,
		Idempotency:    stores.Idempotency,
		Publisher:      pub,
		DeadLetters:    stores.DeadLetters,
		Policy:         cfg.settings.Retry,
		Source:         cfg.settings.Routing.OrchestratorSource,
		HandlerTimeout: cfg.settings.Routing.HandlerTimeout,
		Clock:          cfg.clock,
		Logger:         cfg.logger,
		Metrics:        cfg.metrics,
		Spans:          cfg.spans,
	})
	if err != nil {
		return nil, fmt.Errorf("tradeflow: %w", err)
	}

	return &Kernel{
		normalizer:  normalizer,
		router:      rt,
		tracker:     tracker,
		publisher:   pub,
		deadLetters: stores.DeadLetters,
		source:      cfg.settings.Routing.OrchestratorSource,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		clock:       cfg.clock,
	}, nil
}

// Tracker exposes the workflow state tracker.
func (k *Kernel) Tracker() *workflow.Tracker {
	return k.tracker
}

// Invoke processes one raw invocation. Every call returns a Response. A
// non-nil error means the invocation did not complete: retryable errors
// ask the transport to redeliver, the rest should be handed to DeadLetter.
func (k *Kernel) Invoke(ctx context.Context, raw []byte) (Response, error) {
	res, err := k.normalizer.Normalize(raw)
	if err != nil {
		observability.LogClassificationFailed(k.logger, err)
		return k.response(StatusFailed, OutcomeClassificationFailed, err.Error()), err
	}

	if res.Route == envelope.RouteTrigger {
		return k.startWorkflow(ctx, res.Trigger)
	}
	return k.routeEvent(ctx, res.Event)
}

// startWorkflow opens a run and publishes its root WorkflowStarted event.
// The root event id is derived from the correlation id, so a redelivered
// trigger with a pinned correlation id republishes the same occurrence.
// A scheduler tick pins it from its envelope id.
func (k *Kernel) startWorkflow(ctx context.Context, trigger *envelope.Trigger) (Response, error) {
	corr := trigger.CorrelationID
	switch {
	case corr != "":
	case trigger.DeliveryID != "":
		corr = uuid.NewSHA1(scheduledRunSpace, []byte(trigger.Source+"\x00"+trigger.DeliveryID)).String()
	default:
		corr = uuid.NewString()
	}

	created, err := k.tracker.Start(ctx, corr)
	if err != nil {
		return k.storeFailure(corr, trigger.Mode, "workflow", "start", err)
	}
	if !created {
		active, err := k.tracker.IsActive(ctx, corr)
		if err != nil {
			return k.storeFailure(corr, trigger.Mode, "workflow", "is_active", err)
		}
		if !active {
			detail := "workflow already finished"
			observability.LogGateSkip(observability.EnrichLogger(k.logger, corr, "", ""), router.GateWorkflow, detail)
			resp := k.response(StatusSkipped, router.SkippedWorkflowTerminal, detail)
			resp.Mode, resp.CorrelationID = trigger.Mode, corr
			return resp, nil
		}
	}

	triggerSource := trigger.Source
	if triggerSource == "" {
		triggerSource = "direct"
	}
	root := event.New(event.TypeWorkflowStarted, k.source,
		event.WorkflowStartedPayload{Mode: trigger.Mode, TriggerSource: triggerSource},
		event.WithEventID(uuid.NewSHA1(workflowStartedSpace, []byte(corr)).String()),
		event.WithCorrelationID(corr),
		event.WithTimestamp(k.clock().UTC()),
	)

	if err := k.publisher.Publish(ctx, root); err != nil {
		var categorized *tferrors.CategorizedError
		if !errors.As(err, &categorized) {
			err = tferrors.Transient(err, "publish workflow started")
		}
		resp := k.response(StatusFailed, OutcomePublishFailed, err.Error())
		resp.Mode, resp.CorrelationID, resp.EventID = trigger.Mode, corr, root.ID()
		return resp, err
	}

	observability.LogWorkflowStarted(k.logger, corr, trigger.Mode, triggerSource)
	detail := "workflow started"
	if !created {
		detail = "workflow already running; start event republished"
	}
	resp := k.response(StatusSuccess, OutcomeWorkflowStarted, detail)
	resp.Mode, resp.CorrelationID, resp.EventID = trigger.Mode, corr, root.ID()
	return resp, nil
}

func (k *Kernel) routeEvent(ctx context.Context, evt *event.Canonical) (Response, error) {
	out, err := k.router.Route(ctx, evt)

	status := StatusFailed
	switch {
	case out.Code == router.Success:
		status = StatusSuccess
	case out.Code.Skipped():
		status = StatusSkipped
	}

	resp := k.response(status, out.Code, out.Detail)
	resp.CorrelationID = evt.CorrelationID()
	resp.EventID = evt.ID()
	resp.Mode = modeOf(evt)
	return resp, err
}

func (k *Kernel) storeFailure(corr, mode, store, op string, err error) (Response, error) {
	observability.LogStoreError(k.logger, store, op, err)
	var unavailable *tferrors.StoreUnavailableError
	if !errors.As(err, &unavailable) {
		err = tferrors.StoreUnavailable(store, op, err)
	}
	resp := k.response(StatusFailed, router.StoreUnavailable, err.Error())
	resp.Mode, resp.CorrelationID = mode, corr
	return resp, err
}

func (k *Kernel) response(status string, code router.Code, detail string) Response {
	return Response{
		Status:        status,
		Outcome:       string(code),
		OutcomeDetail: detail,
		Version:       Version,
	}
}

// modeOf reads the run mode carried by a WorkflowStarted event.
func modeOf(evt *event.Canonical) string {
	if evt.Type() != event.TypeWorkflowStarted {
		return ""
	}
	var p event.WorkflowStartedPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return ""
	}
	return p.Mode
}

// DeadLetter forwards an invocation the transport gave up on. Bodies that
// still normalize to a canonical event are kept by event id; anything else
// is kept raw under its fingerprint.
func (k *Kernel) DeadLetter(ctx context.Context, raw []byte, cause error) error {
	if cause == nil {
		cause = errors.New("delivery abandoned")
	}
	now := k.clock()

	var entry *deadletter.Entry
	res, err := k.normalizer.Normalize(raw)
	if err == nil && res.Event != nil {
		entry, err = deadletter.NewEntry(res.Event, deadletter.OriginTransport, "", 1, time.Time{}, now, cause)
		if err != nil {
			return fmt.Errorf("dead-letter: %w", err)
		}
	} else {
		entry = deadletter.NewRawEntry(raw, now, cause)
	}

	if err := k.deadLetters.Enqueue(ctx, entry); err != nil {
		observability.LogStoreError(k.logger, "deadletter", "enqueue", err)
		return fmt.Errorf("dead-letter %s: %w", entry.ID(), err)
	}

	eventType := string(entry.EventType)
	observability.LogDeadLetter(k.logger, entry.ID(), "", entry.AttemptCount, cause)
	k.metrics.RecordDeadLetter(ctx, eventType, "")
	return nil
}

// Deliver adapts Invoke to a bus.Delivery.
func (k *Kernel) Deliver(ctx context.Context, body []byte) error {
	_, err := k.Invoke(ctx, body)
	return err
}

// GiveUp adapts DeadLetter to a bus.GiveUp.
func (k *Kernel) GiveUp(ctx context.Context, body []byte, cause error) {
	if cause == nil {
		cause = errors.New("delivery abandoned")
	}
	if err := k.DeadLetter(ctx, body, cause); err != nil && k.logger != nil {
		k.logger.Error("dead-letter failed, invocation lost",
			slog.String("error", err.Error()),
			slog.String("cause", cause.Error()),
		)
	}
}
