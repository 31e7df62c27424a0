package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// Event is the canonical event every workflow stage consumes and produces.
// Events are immutable once created; derived work produces new events.
type Event interface {
	// Identity
	ID() string     // Unique per logical occurrence, stable across redelivery
	Type() Type     // One of the closed set of workflow event types
	Source() string // Producing component, e.g. "alchemiser.portfolio"

	// Causality
	CorrelationID() string // Shared by every event of one workflow run
	CausationID() string   // ID of the event that directly caused this one

	// Metadata
	Timestamp() time.Time
	Version() int // Schema version of the payload

	// Payload, opaque to the kernel
	Data() any
	DataBytes() []byte
}

// Metadata holds the envelope fields of a canonical event.
type Metadata struct {
	EventType     Type      `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id"`
	Timestamp     time.Time `json:"timestamp"`
	EventSource   string    `json:"source,omitempty"`
}

// MetadataOf copies the envelope fields out of any Event.
func MetadataOf(evt Event) Metadata {
	return Metadata{
		EventType:     evt.Type(),
		SchemaVersion: evt.Version(),
		EventID:       evt.ID(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Timestamp:     evt.Timestamp(),
		EventSource:   evt.Source(),
	}
}

// BaseEvent is the generic Event implementation. T is the payload type.
type BaseEvent[T any] struct {
	Meta    Metadata
	Payload T

	cachedBytes []byte
}

// Canonical is an event whose payload has not been decoded. The normalizer
// produces these; handlers decode the payload themselves.
type Canonical = BaseEvent[json.RawMessage]

// ID returns the unique event identifier.
func (e *BaseEvent[T]) ID() string { return e.Meta.EventID }

// Type returns the event type.
func (e *BaseEvent[T]) Type() Type { return e.Meta.EventType }

// Source returns the producing component.
func (e *BaseEvent[T]) Source() string { return e.Meta.EventSource }

// CorrelationID returns the workflow run identifier.
func (e *BaseEvent[T]) CorrelationID() string { return e.Meta.CorrelationID }

// CausationID returns the ID of the event that caused this one.
func (e *BaseEvent[T]) CausationID() string { return e.Meta.CausationID }

// Timestamp returns when the event occurred.
func (e *BaseEvent[T]) Timestamp() time.Time { return e.Meta.Timestamp }

// Version returns the schema version.
func (e *BaseEvent[T]) Version() int { return e.Meta.SchemaVersion }

// Data returns the event payload.
func (e *BaseEvent[T]) Data() any { return e.Payload }

// IsRoot reports whether the event started its causal chain.
func (e *BaseEvent[T]) IsRoot() bool { return e.Meta.CausationID == e.Meta.EventID }

// DataBytes returns the serialized payload. The result is cached.
func (e *BaseEvent[T]) DataBytes() []byte {
	if e.cachedBytes == nil {
		// Best effort - errors are ignored for interface compliance
		e.cachedBytes, _ = json.Marshal(e.Payload)
	}
	return e.cachedBytes
}

// wireEvent is the flat wire form: envelope fields next to the payload.
type wireEvent[T any] struct {
	Metadata
	Payload T `json:"payload"`
}

// MarshalJSON implements json.Marshaler using the flat wire form.
func (e *BaseEvent[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent[T]{Metadata: e.Meta, Payload: e.Payload})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *BaseEvent[T]) UnmarshalJSON(data []byte) error {
	var w wireEvent[T]
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Meta = w.Metadata
	e.Payload = w.Payload
	e.cachedBytes = nil
	return nil
}

// Encode serializes any Event into the flat wire form.
func Encode(evt Event) ([]byte, error) {
	if m, ok := evt.(json.Marshaler); ok {
		return m.MarshalJSON()
	}
	return json.Marshal(wireEvent[json.RawMessage]{
		Metadata: MetadataOf(evt),
		Payload:  json.RawMessage(evt.DataBytes()),
	})
}

// ToCanonical converts any Event to a Canonical with a raw payload.
func ToCanonical(evt Event) *Canonical {
	if c, ok := evt.(*Canonical); ok {
		return c
	}
	payload := evt.DataBytes()
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return &Canonical{Meta: MetadataOf(evt), Payload: json.RawMessage(payload)}
}

// derivedSpace namespaces the ids the router stamps on follow-on events.
var derivedSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tradeflow:derived-event"))

// DerivedID is the stable id of the index-th follow-on event that handler
// produced from parent. A redelivered parent yields the same ids.
func DerivedID(parent Event, handler string, index int) string {
	name := fmt.Sprintf("%s\x00%s\x00%d", parent.ID(), handler, index)
	return uuid.NewSHA1(derivedSpace, []byte(name)).String()
}

// Restamp returns a copy of evt carrying id. Every other field is unchanged.
func Restamp(evt Event, id string) *Canonical {
	c := *ToCanonical(evt)
	c.Meta.EventID = id
	return &c
}

// EventOption configures event creation.
type EventOption func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
	version       int
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.id = id }
}

// WithCorrelationID sets the workflow run identifier.
func WithCorrelationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.correlationID = id }
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.causationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now().UTC()).
func WithTimestamp(t time.Time) EventOption {
	return func(cfg *eventConfig) { cfg.timestamp = t }
}

// WithSchemaVersion sets the schema version.
func WithSchemaVersion(v int) EventOption {
	return func(cfg *eventConfig) { cfg.version = v }
}

// New creates an event. Without options it is the root of a new chain:
// correlation and causation both equal the new event ID.
func New[T any](eventType Type, source string, payload T, opts ...EventOption) *BaseEvent[T] {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now().UTC(),
		version:   1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}
	if cfg.causationID == "" {
		cfg.causationID = cfg.id
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventType:     eventType,
			SchemaVersion: cfg.version,
			EventID:       cfg.id,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			Timestamp:     cfg.timestamp,
			EventSource:   source,
		},
		Payload: payload,
	}
}

// NewFromParent creates an event caused by parent. It inherits the
// correlation ID and sets the causation ID to the parent's ID.
func NewFromParent[T any](parent Event, eventType Type, source string, payload T, opts ...EventOption) *BaseEvent[T] {
	parentOpts := []EventOption{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}
	return New(eventType, source, payload, append(parentOpts, opts...)...)
}

// Handler processes one event and optionally returns derived events.
// Derived events must be built with NewFromParent.
type Handler interface {
	Handle(ctx context.Context, evt Event) ([]Event, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) ([]Event, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) ([]Event, error) {
	return f(ctx, evt)
}

// TypedHandler wraps a function handling a specific payload type.
// A payload that does not decode into T is a permanent failure.
func TypedHandler[T any](fn func(ctx context.Context, payload T, meta Metadata) ([]Event, error)) Handler {
	return &typedHandler[T]{fn: fn}
}

type typedHandler[T any] struct {
	fn func(ctx context.Context, payload T, meta Metadata) ([]Event, error)
}

func (h *typedHandler[T]) Handle(ctx context.Context, evt Event) ([]Event, error) {
	var payload T

	switch d := evt.Data().(type) {
	case T:
		payload = d
	default:
		if err := json.Unmarshal(evt.DataBytes(), &payload); err != nil {
			return nil, tferrors.Permanent(
				fmt.Errorf("decode %s payload into %T: %w", evt.Type(), payload, err),
				"typed handler",
			)
		}
	}

	return h.fn(ctx, payload, MetadataOf(evt))
}

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}
