package deadletter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
)

// Origin records which layer gave up on an event.
type Origin string

const (
	// OriginHandler entries failed in a handler; their workflow has been
	// marked FAILED, so they are kept for review rather than replayed.
	OriginHandler Origin = "handler"

	// OriginTransport entries were forwarded by a transport that stopped
	// redelivering, typically while a store was unavailable. They are
	// eligible for replay.
	OriginTransport Origin = "transport"
)

// Entry is a dead-lettered event.
type Entry struct {
	EventID       string     `json:"event_id"`
	EventType     event.Type `json:"event_type,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`

	// Event is the canonical wire JSON. Raw holds input that never became
	// a canonical event.
	Event json.RawMessage `json:"event,omitempty"`
	Raw   []byte          `json:"raw,omitempty"`

	Origin    Origin `json:"origin"`
	Handler   string `json:"handler,omitempty"`
	LastError string `json:"last_error"`

	AttemptCount  int       `json:"attempt_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty"`
	ReplayCount   int       `json:"replay_count,omitempty"`

	// Fingerprint groups entries with identical content.
	Fingerprint string `json:"fingerprint"`
}

// ParkedEntry is an entry withdrawn from replay.
type ParkedEntry struct {
	Entry
	ParkReason string    `json:"park_reason"`
	ParkedAt   time.Time `json:"parked_at"`
}

// ID is the queue key of an entry.
func (e *Entry) ID() string {
	if e.EventID != "" {
		return e.EventID
	}
	return "raw:" + e.Fingerprint
}

// Replayable reports whether the entry can be republished.
func (e *Entry) Replayable() bool {
	return e.Origin == OriginTransport && len(e.Event) > 0
}

// Canonical decodes the stored event.
func (e *Entry) Canonical() (*event.Canonical, error) {
	if len(e.Event) == 0 {
		return nil, errors.New("deadletter: entry holds no canonical event")
	}
	var c event.Canonical
	if err := json.Unmarshal(e.Event, &c); err != nil {
		return nil, fmt.Errorf("decode dead-lettered event: %w", err)
	}
	return &c, nil
}

// NewEntry builds an entry for evt.
func NewEntry(evt event.Event, origin Origin, handler string, attempts int, firstFailedAt, now time.Time, cause error) (*Entry, error) {
	data, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("encode dead-lettered event: %w", err)
	}
	fp, err := Fingerprint(evt.Type(), evt.DataBytes())
	if err != nil {
		return nil, err
	}
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}
	return &Entry{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		CorrelationID: evt.CorrelationID(),
		Event:         data,
		Origin:        origin,
		Handler:       handler,
		LastError:     errString(cause),
		AttemptCount:  attempts,
		FirstFailedAt: firstFailedAt,
		LastFailedAt:  now,
		Fingerprint:   fp,
	}, nil
}

// NewRawEntry builds an entry for input that could not be classified.
func NewRawEntry(raw []byte, now time.Time, cause error) *Entry {
	return &Entry{
		Raw:           append([]byte(nil), raw...),
		Origin:        OriginTransport,
		LastError:     errString(cause),
		AttemptCount:  1,
		FirstFailedAt: now,
		LastFailedAt:  now,
		Fingerprint:   rawFingerprint(raw),
	}
}

// Fingerprint hashes the event type and the RFC 8785 canonical form of the
// payload, so equal payloads match regardless of key order or spacing.
func Fingerprint(eventType event.Type, payload []byte) (string, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func rawFingerprint(raw []byte) string {
	if canonical, err := jcs.Transform(raw); err == nil {
		raw = canonical
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Sink receives dead-lettered entries. It must not drop an entry without
// returning an error.
type Sink interface {
	Enqueue(ctx context.Context, entry *Entry) error
}

// Queue is a Sink that also schedules replays.
type Queue interface {
	Sink

	// Dequeue claims up to limit entries whose NextRetryAt has passed.
	Dequeue(ctx context.Context, limit int) ([]*Entry, error)

	// Acknowledge removes a successfully replayed entry.
	Acknowledge(ctx context.Context, id string) error

	// RecordRetryFailure reschedules a failed replay, or parks the entry
	// once its replay budget is spent.
	RecordRetryFailure(ctx context.Context, entry *Entry, cause error) error

	// Park withdraws an entry from replay.
	Park(ctx context.Context, entry *Entry, reason string) error

	// ListParked returns up to limit parked entries; limit <= 0 means all.
	ListParked(ctx context.Context, limit int) ([]*ParkedEntry, error)

	// RecoverParked moves a parked entry back to the replay queue.
	RecoverParked(ctx context.Context, id string) error

	// Stats reports queue sizes.
	Stats(ctx context.Context) (Stats, error)
}

// Stats describes a queue.
type Stats struct {
	QueueSize  int
	ParkedSize int
}

// ErrQueueFull is returned when a bounded queue cannot take another entry.
var ErrQueueFull = errors.New("deadletter: queue is full")

// ErrNotFound is returned for an unknown entry ID.
var ErrNotFound = errors.New("deadletter: entry not found")
