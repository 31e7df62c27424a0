package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/observability"
)

// Transition describes what a Fail or Complete call did.
type Transition int

const (
	// Applied means this call moved the workflow out of RUNNING.
	Applied Transition = iota

	// Repeated means the workflow was already in the requested state.
	Repeated

	// Rejected means the workflow is in the other terminal state.
	Rejected

	// Unknown means no live record exists for the correlation ID.
	Unknown
)

// String returns the transition name.
func (t Transition) String() string {
	switch t {
	case Applied:
		return "applied"
	case Repeated:
		return "repeated"
	case Rejected:
		return "rejected"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// DefaultRetention is how long a workflow record is kept.
const DefaultRetention = 7 * 24 * time.Hour

// Tracker applies lifecycle rules on top of a Store.
type Tracker struct {
	store     Store
	retention time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRetention sets how long records are kept after their last write.
func WithRetention(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) { t.clock = clock }
}

// WithLogger sets the logger for transition logs.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// WithMetrics sets the recorder for applied transitions.
func WithMetrics(m observability.MetricsRecorder) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:     store,
		retention: DefaultRetention,
		clock:     time.Now,
		metrics:   observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start creates a RUNNING record for id. It reports whether the record is
// new; an existing record, in any state, is left untouched.
func (t *Tracker) Start(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyCorrelationID
	}
	now := t.clock().UTC()
	_, created, err := t.store.Create(ctx, Record{
		CorrelationID:    id,
		State:            StateRunning,
		CreatedAt:        now,
		LastTransitionAt: now,
		ExpiresAt:        now.Add(t.retention),
	})
	if err != nil {
		return false, err
	}
	if created {
		observability.LogTransition(t.logger, id, "", string(StateRunning), "")
		t.metrics.RecordTransition(ctx, string(StateRunning))
	}
	return created, nil
}

// Fail moves a RUNNING workflow to FAILED.
func (t *Tracker) Fail(ctx context.Context, id, reason string) (Transition, error) {
	return t.finish(ctx, id, StateFailed, reason)
}

// Complete moves a RUNNING workflow to COMPLETED.
func (t *Tracker) Complete(ctx context.Context, id string) (Transition, error) {
	return t.finish(ctx, id, StateCompleted, "")
}

func (t *Tracker) finish(ctx context.Context, id string, target State, reason string) (Transition, error) {
	if id == "" {
		return Unknown, ErrEmptyCorrelationID
	}
	now := t.clock().UTC()
	current, swapped, err := t.store.CompareAndSet(ctx, id, StateRunning, Record{
		State:            target,
		Reason:           reason,
		LastTransitionAt: now,
		ExpiresAt:        now.Add(t.retention),
	})
	if err != nil {
		return Unknown, err
	}

	switch {
	case swapped:
		observability.LogTransition(t.logger, id, string(StateRunning), string(target), reason)
		t.metrics.RecordTransition(ctx, string(target))
		return Applied, nil
	case current.CorrelationID == "":
		observability.LogIllegalTransition(t.logger, id, "", string(target))
		return Unknown, nil
	case current.State == target:
		return Repeated, nil
	default:
		observability.LogIllegalTransition(t.logger, id, string(current.State), string(target))
		return Rejected, nil
	}
}

// IsActive reports whether id is RUNNING. An unknown workflow is not active.
func (t *Tracker) IsActive(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	rec, ok, err := t.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return ok && rec.State == StateRunning, nil
}

// Get returns the live record for id.
func (t *Tracker) Get(ctx context.Context, id string) (Record, bool, error) {
	return t.store.Get(ctx, id)
}
