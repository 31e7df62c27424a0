package idempotency_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/idempotency"
)

// fakeClock is a settable time source shared by a store and its test.
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

// harness is a store plus a way to move its notion of time forward.
type harness struct {
	store   idempotency.Store
	clock   *fakeClock
	advance func(time.Duration)
}

type storeFactory func(t *testing.T) harness

func memoryFactory(t *testing.T) harness {
	clock := newFakeClock()
	store, err := idempotency.NewMemoryStore(idempotency.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return harness{store: store, clock: clock, advance: clock.Advance}
}

func sqliteFactory(t *testing.T) harness {
	clock := newFakeClock()
	store, err := idempotency.NewSQLiteStore(":memory:", idempotency.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return harness{store: store, clock: clock, advance: clock.Advance}
}

func redisFactory(t *testing.T) harness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := newFakeClock()
	store, err := idempotency.NewRedisStore(client, idempotency.WithClock(clock.Now))
	require.NoError(t, err)
	return harness{store: store, clock: clock, advance: func(d time.Duration) {
		clock.Advance(d)
		mr.FastForward(d)
	}}
}

func TestStoreContract(t *testing.T) {
	storeContractTest(t, "Memory", memoryFactory)
	storeContractTest(t, "SQLite", sqliteFactory)
	storeContractTest(t, "Redis", redisFactory)
}

func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()
	key := idempotency.Key{Handler: "portfolio.rebalancer", EventID: "evt-1"}

	t.Run(name+"/FirstClaimWins", func(t *testing.T) {
		h := factory(t)

		decision, rec, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Won, decision)
		assert.Equal(t, idempotency.StatusInProgress, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
		assert.True(t, rec.FirstAttemptAt.Equal(h.clock.Now()))

		decision, _, err = h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.AlreadyInProgress, decision)
	})

	t.Run(name+"/DoneIsSkipped", func(t *testing.T) {
		h := factory(t)

		_, _, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		h.advance(time.Second)
		doneAt := h.clock.Now()
		require.NoError(t, h.store.MarkDone(ctx, key))

		h.advance(time.Minute)
		decision, rec, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.AlreadyDone, decision)
		assert.Equal(t, idempotency.StatusDone, rec.Status)
		assert.True(t, rec.RecordedAt.Equal(doneAt), "recorded_at = %s, want %s", rec.RecordedAt, doneAt)
	})

	t.Run(name+"/FailedOutlivesDefaultMaxAge", func(t *testing.T) {
		h := factory(t)
		started := h.clock.Now()

		_, _, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		require.NoError(t, h.store.MarkFailed(ctx, key, "broker timeout"))

		h.advance(61 * time.Minute)
		decision, rec, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Won, decision)
		assert.Equal(t, 2, rec.Attempts, "attempt count survives a redelivery slower than an hour")
		assert.True(t, rec.FirstAttemptAt.Equal(started))
	})

	t.Run(name+"/FailedIsReclaimed", func(t *testing.T) {
		h := factory(t)
		started := h.clock.Now()

		_, _, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		require.NoError(t, h.store.MarkFailed(ctx, key, "broker timeout"))

		h.advance(time.Minute)
		decision, rec, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Won, decision)
		assert.Equal(t, 2, rec.Attempts)
		assert.True(t, rec.FirstAttemptAt.Equal(started), "first attempt time survives a reclaim")
		assert.Equal(t, "broker timeout", rec.LastError)
	})

	t.Run(name+"/MarkFailedNeverOverwritesDone", func(t *testing.T) {
		h := factory(t)

		_, _, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		require.NoError(t, h.store.MarkDone(ctx, key))
		require.NoError(t, h.store.MarkFailed(ctx, key, "late failure"))

		rec, ok, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, idempotency.StatusDone, rec.Status)
		assert.Empty(t, rec.LastError)
	})

	t.Run(name+"/MarkDoneTwice", func(t *testing.T) {
		h := factory(t)

		_, _, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		require.NoError(t, h.store.MarkDone(ctx, key))
		require.NoError(t, h.store.MarkDone(ctx, key))

		rec, ok, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, idempotency.StatusDone, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
	})

	t.Run(name+"/MarkDoneWithoutClaim", func(t *testing.T) {
		h := factory(t)

		require.NoError(t, h.store.MarkDone(ctx, key))
		decision, _, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.AlreadyDone, decision)
	})

	t.Run(name+"/StaleInProgressExpires", func(t *testing.T) {
		h := factory(t)

		_, _, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)

		h.advance(idempotency.DefaultTTLs().InProgress + time.Second)
		decision, rec, err := h.store.TryBegin(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Won, decision, "a crashed worker's claim must not wedge the key")
		assert.Equal(t, 1, rec.Attempts, "an expired record starts over")
	})

	t.Run(name+"/GetMissing", func(t *testing.T) {
		h := factory(t)

		_, ok, err := h.store.Get(ctx, idempotency.Key{Handler: "h", EventID: "missing"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run(name+"/KeysAreIndependent", func(t *testing.T) {
		h := factory(t)
		other := idempotency.Key{Handler: "notify.trading", EventID: key.EventID}

		require.NoError(t, h.store.MarkDone(ctx, key))
		decision, _, err := h.store.TryBegin(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Won, decision, "each handler claims an event on its own")
	})

	t.Run(name+"/InvalidKey", func(t *testing.T) {
		h := factory(t)

		_, _, err := h.store.TryBegin(ctx, idempotency.Key{Handler: "h"})
		assert.Error(t, err)
	})

	t.Run(name+"/ConcurrentClaimsHaveOneWinner", func(t *testing.T) {
		h := factory(t)

		const workers = 24
		var (
			wg     sync.WaitGroup
			wins   atomic.Int32
			errCnt atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				decision, _, err := h.store.TryBegin(ctx, key)
				if err != nil {
					errCnt.Add(1)
					return
				}
				if decision == idempotency.Won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Zero(t, errCnt.Load())
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestTTLs_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ttls    idempotency.TTLs
		wantErr bool
	}{
		{name: "defaults", ttls: idempotency.DefaultTTLs()},
		{name: "zero", ttls: idempotency.TTLs{}, wantErr: true},
		{
			name:    "failed outlives done",
			ttls:    idempotency.TTLs{InProgress: time.Minute, Done: time.Hour, Failed: 2 * time.Hour},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ttls.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	_, err := idempotency.NewMemoryStore(idempotency.WithTTLs(idempotency.TTLs{}))
	assert.Error(t, err)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "WON", idempotency.Won.String())
	assert.Equal(t, "ALREADY_DONE", idempotency.AlreadyDone.String())
	assert.Equal(t, "ALREADY_IN_PROGRESS", idempotency.AlreadyInProgress.String())
	assert.Equal(t, "UNKNOWN", idempotency.Decision(9).String())
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store, err := idempotency.NewMemoryStore(idempotency.WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = store.TryBegin(ctx, idempotency.Key{Handler: "h", EventID: "a"})
	require.NoError(t, err)
	require.NoError(t, store.MarkDone(ctx, idempotency.Key{Handler: "h", EventID: "b"}))
	assert.Equal(t, 2, store.Len())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, store.Sweep(), "only the in-progress record has expired")
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_Closed(t *testing.T) {
	store, err := idempotency.NewMemoryStore()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, _, err = store.TryBegin(context.Background(), idempotency.Key{Handler: "h", EventID: "e"})
	assert.ErrorIs(t, err, idempotency.ErrStoreClosed)
	assert.True(t, tferrors.IsRetryable(err), "a closed store is a transient condition")
}

func TestRedisStore_NilClient(t *testing.T) {
	_, err := idempotency.NewRedisStore(nil)
	assert.Error(t, err)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store, err := idempotency.NewRedisStore(client, idempotency.WithKeyPrefix("paper:"))
	require.NoError(t, err)

	_, _, err = store.TryBegin(context.Background(), idempotency.Key{Handler: "h", EventID: "e"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("paper:h:e"))
	assert.Equal(t, "IN_PROGRESS", mr.HGet("paper:h:e", "status"))
}
