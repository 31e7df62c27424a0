package deadletter_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(clock *fakeClock) deadletter.QueueConfig {
	return deadletter.QueueConfig{
		MaxSize:    3,
		MaxReplays: 2,
		RetryDelay: time.Minute,
		Backoff: tferrors.RetryConfig{
			InitialBackoff: time.Minute,
			MaxBackoff:     time.Hour,
			BackoffFactor:  2,
		},
		Clock: clock.Now,
	}
}

type queueFactory func(t *testing.T, cfg deadletter.QueueConfig) deadletter.Queue

func memoryQueue(_ *testing.T, cfg deadletter.QueueConfig) deadletter.Queue {
	return deadletter.NewMemoryQueue(cfg)
}

func sqliteQueue(t *testing.T, cfg deadletter.QueueConfig) deadletter.Queue {
	q, err := deadletter.NewSQLiteQueue(filepath.Join(t.TempDir(), "dlq.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueues(t *testing.T) {
	for name, factory := range map[string]queueFactory{
		"memory": memoryQueue,
		"sqlite": sqliteQueue,
	} {
		t.Run(name, func(t *testing.T) {
			queueContractTest(t, factory)
		})
	}
}

func transportEntry(t *testing.T, now time.Time) *deadletter.Entry {
	t.Helper()
	evt := event.New(event.TypeRebalancePlanned, "alchemiser.portfolio", map[string]any{"trades": 3})
	e, err := deadletter.NewEntry(evt, deadletter.OriginTransport, "", 1, time.Time{}, now, errors.New("store down"))
	require.NoError(t, err)
	return e
}

func queueContractTest(t *testing.T, factory queueFactory) {
	ctx := context.Background()

	t.Run("TransportEntryIsDueAfterRetryDelay", func(t *testing.T) {
		clock := newFakeClock()
		q := factory(t, testConfig(clock))
		entry := transportEntry(t, clock.Now())
		require.NoError(t, q.Enqueue(ctx, entry))

		ready, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready)

		clock.Advance(time.Minute)
		ready, err = q.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, entry.EventID, ready[0].EventID)
		assert.Equal(t, entry.Fingerprint, ready[0].Fingerprint)

		require.NoError(t, q.Acknowledge(ctx, ready[0].ID()))
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, deadletter.Stats{}, stats)
	})

	t.Run("DequeueClaimsEntry", func(t *testing.T) {
		clock := newFakeClock()
		q := factory(t, testConfig(clock))
		require.NoError(t, q.Enqueue(ctx, transportEntry(t, clock.Now())))
		clock.Advance(time.Minute)

		first, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, second)
	})

	t.Run("HandlerEntryIsParked", func(t *testing.T) {
		clock := newFakeClock()
		var parkedCalls int
		cfg := testConfig(clock)
		cfg.OnPark = func(*deadletter.ParkedEntry) { parkedCalls++ }
		q := factory(t, cfg)

		evt := event.New(event.TypeRebalancePlanned, "alchemiser.portfolio", map[string]any{})
		entry, err := deadletter.NewEntry(evt, deadletter.OriginHandler, "portfolio", 5, clock.Now(), clock.Now(), errors.New("boom"))
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, entry))

		parked, err := q.ListParked(ctx, 0)
		require.NoError(t, err)
		require.Len(t, parked, 1)
		assert.Equal(t, "handler failure: workflow failed", parked[0].ParkReason)
		assert.Equal(t, "portfolio", parked[0].Handler)
		assert.Equal(t, 5, parked[0].AttemptCount)
		assert.Equal(t, 1, parkedCalls)

		clock.Advance(time.Hour)
		ready, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready)
	})

	t.Run("RawEntryIsParked", func(t *testing.T) {
		clock := newFakeClock()
		q := factory(t, testConfig(clock))
		entry := deadletter.NewRawEntry([]byte(`{"unexpected":true}`), clock.Now(), errors.New("classification failed"))
		require.NoError(t, q.Enqueue(ctx, entry))

		parked, err := q.ListParked(ctx, 0)
		require.NoError(t, err)
		require.Len(t, parked, 1)
		assert.Equal(t, "not a canonical event", parked[0].ParkReason)
		assert.JSONEq(t, `{"unexpected":true}`, string(parked[0].Raw))
	})

	t.Run("RetryFailureBacksOffThenParks", func(t *testing.T) {
		clock := newFakeClock()
		q := factory(t, testConfig(clock))
		require.NoError(t, q.Enqueue(ctx, transportEntry(t, clock.Now())))
		clock.Advance(time.Minute)

		ready, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		require.NoError(t, q.RecordRetryFailure(ctx, ready[0], errors.New("publish failed")))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, deadletter.Stats{QueueSize: 1}, stats)

		// The next replay waits one backoff step.
		clock.Advance(30 * time.Second)
		ready, err = q.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready)

		clock.Advance(30 * time.Second)
		ready, err = q.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, 1, ready[0].ReplayCount)
		assert.Equal(t, "publish failed", ready[0].LastError)

		require.NoError(t, q.RecordRetryFailure(ctx, ready[0], errors.New("publish failed again")))
		stats, err = q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, deadletter.Stats{ParkedSize: 1}, stats)

		parked, err := q.ListParked(ctx, 1)
		require.NoError(t, err)
		require.Len(t, parked, 1)
		assert.Equal(t, "max replays exceeded", parked[0].ParkReason)
	})

	t.Run("RecoverParked", func(t *testing.T) {
		clock := newFakeClock()
		q := factory(t, testConfig(clock))
		entry := transportEntry(t, clock.Now())
		require.NoError(t, q.Park(ctx, entry, "operator hold"))

		require.ErrorIs(t, q.RecoverParked(ctx, "missing"), deadletter.ErrNotFound)
		require.NoError(t, q.RecoverParked(ctx, entry.ID()))

		ready, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, 0, ready[0].ReplayCount)

		parked, err := q.ListParked(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, parked)
	})

	t.Run("QueueFull", func(t *testing.T) {
		clock := newFakeClock()
		q := factory(t, testConfig(clock))
		for range 3 {
			require.NoError(t, q.Enqueue(ctx, transportEntry(t, clock.Now())))
		}
		err := q.Enqueue(ctx, transportEntry(t, clock.Now()))
		assert.ErrorIs(t, err, deadletter.ErrQueueFull)
	})

	t.Run("DequeueOrderAndLimit", func(t *testing.T) {
		clock := newFakeClock()
		q := factory(t, testConfig(clock))
		var ids []string
		for range 3 {
			e := transportEntry(t, clock.Now())
			ids = append(ids, e.ID())
			require.NoError(t, q.Enqueue(ctx, e))
			clock.Advance(time.Second)
		}
		clock.Advance(time.Hour)

		ready, err := q.Dequeue(ctx, 2)
		require.NoError(t, err)
		require.Len(t, ready, 2)
		assert.Equal(t, ids[0], ready[0].ID())
		assert.Equal(t, ids[1], ready[1].ID())
	})
}

func TestSQLiteQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "dlq.db")

	q, err := deadletter.NewSQLiteQueue(path, testConfig(clock))
	require.NoError(t, err)
	entry := transportEntry(t, clock.Now())
	require.NoError(t, q.Enqueue(ctx, entry))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = q.Stats(ctx)
	var unavailable *tferrors.StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)

	q, err = deadletter.NewSQLiteQueue(path, testConfig(clock))
	require.NoError(t, err)
	defer q.Close()

	clock.Advance(time.Minute)
	ready, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, entry.EventID, ready[0].EventID)

	evt, err := ready[0].Canonical()
	require.NoError(t, err)
	assert.Equal(t, event.TypeRebalancePlanned, evt.Type())
	assert.JSONEq(t, `{"trades":3}`, string(evt.Payload))
}

func TestSQLiteQueue_LeaseLapses(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := sqliteQueue(t, testConfig(clock))
	require.NoError(t, q.Enqueue(ctx, transportEntry(t, clock.Now())))
	clock.Advance(time.Minute)

	ready, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	// The claimer never acknowledged; the entry comes back after RetryDelay.
	clock.Advance(time.Minute)
	ready, err = q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}
