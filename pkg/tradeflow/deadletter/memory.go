package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// QueueConfig configures a replay queue.
type QueueConfig struct {
	// MaxSize limits the number of queued (not parked) entries.
	// Default: 10000
	MaxSize int

	// MaxReplays before an entry is parked.
	// Default: 5
	MaxReplays int

	// RetryDelay before the first replay.
	// Default: 1 minute
	RetryDelay time.Duration

	// Backoff grows the delay between later replays. InitialBackoff
	// defaults to RetryDelay.
	Backoff tferrors.RetryConfig

	// Clock overrides the time source, for tests.
	Clock func() time.Time

	// OnEnqueue is called when an entry is queued for replay.
	OnEnqueue func(*Entry)

	// OnPark is called when an entry is parked.
	OnPark func(*ParkedEntry)
}

// DefaultQueueConfig provides reasonable defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:    10000,
		MaxReplays: 5,
		RetryDelay: time.Minute,
		Backoff: tferrors.RetryConfig{
			InitialBackoff: time.Minute,
			MaxBackoff:     time.Hour,
			BackoffFactor:  2,
		},
		Clock: time.Now,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.MaxReplays <= 0 {
		c.MaxReplays = d.MaxReplays
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Backoff.InitialBackoff <= 0 {
		c.Backoff.InitialBackoff = c.RetryDelay
	}
	if c.Backoff.BackoffFactor < 1 {
		c.Backoff.BackoffFactor = d.Backoff.BackoffFactor
	}
	if c.Backoff.MaxBackoff <= 0 {
		c.Backoff.MaxBackoff = d.Backoff.MaxBackoff
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// parkReason reports why entry must be parked on arrival, if it must.
func (c QueueConfig) parkReason(entry *Entry) string {
	switch {
	case entry.Origin == OriginHandler:
		return "handler failure: workflow failed"
	case !entry.Replayable():
		return "not a canonical event"
	case entry.ReplayCount >= c.MaxReplays:
		return "max replays exceeded"
	default:
		return ""
	}
}

// MemoryQueue is an in-memory Queue.
// Suitable for testing and single-instance deployments.
type MemoryQueue struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	parked  map[string]*ParkedEntry
	cfg     QueueConfig
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(cfg QueueConfig) *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string]*Entry),
		parked:  make(map[string]*ParkedEntry),
		cfg:     cfg.withDefaults(),
	}
}

// Enqueue implements Sink.
func (q *MemoryQueue) Enqueue(_ context.Context, entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if reason := q.cfg.parkReason(entry); reason != "" {
		q.parkLocked(entry, reason)
		return nil
	}
	if _, exists := q.entries[entry.ID()]; !exists && len(q.entries) >= q.cfg.MaxSize {
		return ErrQueueFull
	}

	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = q.cfg.Clock().Add(q.cfg.RetryDelay)
	}
	q.entries[entry.ID()] = entry
	if q.cfg.OnEnqueue != nil {
		q.cfg.OnEnqueue(entry)
	}
	return nil
}

// Dequeue implements Queue. Entries are returned oldest-due first.
func (q *MemoryQueue) Dequeue(_ context.Context, limit int) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock()
	ready := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.NextRetryAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].NextRetryAt.Before(ready[j].NextRetryAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	for _, e := range ready {
		delete(q.entries, e.ID())
	}
	return ready, nil
}

// Acknowledge implements Queue.
func (q *MemoryQueue) Acknowledge(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

// RecordRetryFailure implements Queue.
func (q *MemoryQueue) RecordRetryFailure(_ context.Context, entry *Entry, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock()
	entry.ReplayCount++
	entry.LastFailedAt = now
	entry.LastError = errString(cause)

	if entry.ReplayCount >= q.cfg.MaxReplays {
		delete(q.entries, entry.ID())
		q.parkLocked(entry, "max replays exceeded")
		return nil
	}

	entry.NextRetryAt = now.Add(q.cfg.Backoff.Backoff(entry.ReplayCount + 1))
	q.entries[entry.ID()] = entry
	return nil
}

// Park implements Queue.
func (q *MemoryQueue) Park(_ context.Context, entry *Entry, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.entries, entry.ID())
	q.parkLocked(entry, reason)
	return nil
}

func (q *MemoryQueue) parkLocked(entry *Entry, reason string) {
	parked := &ParkedEntry{Entry: *entry, ParkReason: reason, ParkedAt: q.cfg.Clock()}
	q.parked[entry.ID()] = parked
	if q.cfg.OnPark != nil {
		q.cfg.OnPark(parked)
	}
}

// ListParked implements Queue. Entries are returned oldest first.
func (q *MemoryQueue) ListParked(_ context.Context, limit int) ([]*ParkedEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*ParkedEntry, 0, len(q.parked))
	for _, p := range q.parked {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ParkedAt.Before(result[j].ParkedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RecoverParked implements Queue. The replay budget is reset and the
// entry is due immediately.
func (q *MemoryQueue) RecoverParked(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	parked, ok := q.parked[id]
	if !ok {
		return ErrNotFound
	}
	entry := parked.Entry
	entry.Origin = OriginTransport
	entry.ReplayCount = 0
	entry.NextRetryAt = q.cfg.Clock()

	q.entries[id] = &entry
	delete(q.parked, id)
	return nil
}

// Stats implements Queue.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{QueueSize: len(q.entries), ParkedSize: len(q.parked)}, nil
}
