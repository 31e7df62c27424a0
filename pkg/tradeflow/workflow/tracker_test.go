package workflow_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/workflow"
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

type harness struct {
	store   workflow.Store
	clock   *fakeClock
	advance func(time.Duration)
}

type storeFactory func(t *testing.T) harness

func memoryFactory(t *testing.T) harness {
	clock := newFakeClock()
	store := workflow.NewMemoryStore(clock.Now)
	t.Cleanup(func() { store.Close() })
	return harness{store: store, clock: clock, advance: clock.Advance}
}

func sqliteFactory(t *testing.T) harness {
	clock := newFakeClock()
	store, err := workflow.NewSQLiteStore(":memory:", clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return harness{store: store, clock: clock, advance: clock.Advance}
}

func redisFactory(t *testing.T) harness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := newFakeClock()
	store, err := workflow.NewRedisStore(client, "", clock.Now)
	require.NoError(t, err)
	return harness{store: store, clock: clock, advance: func(d time.Duration) {
		clock.Advance(d)
		mr.FastForward(d)
	}}
}

// etcdFactory needs a reachable etcd; set TRADEFLOW_ETCD_ENDPOINTS.
func etcdFactory(t *testing.T) harness {
	endpoints := os.Getenv("TRADEFLOW_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("Skipping etcd integration test: TRADEFLOW_ETCD_ENDPOINTS not set")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping etcd integration test: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Get(ctx, "health"); err != nil {
		t.Skipf("Skipping etcd integration test: etcd not available: %v", err)
	}

	prefix := "/tradeflow-test/" + strings.ReplaceAll(t.Name(), "/", "_") + "/"
	t.Cleanup(func() {
		_, _ = client.Delete(context.Background(), prefix, clientv3.WithPrefix())
	})

	// Leases run on the server clock, so the store uses real time.
	clock := newFakeClock()
	clock.now = time.Now()
	store, err := workflow.NewEtcdStore(client, client, prefix, nil)
	require.NoError(t, err)
	return harness{store: store, clock: clock, advance: func(time.Duration) {
		t.Skip("etcd leases cannot be fast-forwarded")
	}}
}

func TestTrackerContract(t *testing.T) {
	trackerContractTest(t, "Memory", memoryFactory)
	trackerContractTest(t, "SQLite", sqliteFactory)
	trackerContractTest(t, "Redis", redisFactory)
	trackerContractTest(t, "Etcd", etcdFactory)
}

func trackerContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	newTracker := func(h harness) *workflow.Tracker {
		return workflow.NewTracker(h.store, workflow.WithClock(h.clock.Now))
	}

	t.Run(name+"/StartCreatesRunning", func(t *testing.T) {
		h := factory(t)
		tr := newTracker(h)

		created, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, created)

		active, err := tr.IsActive(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, active)

		rec, ok, err := tr.Get(ctx, "wf-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, workflow.StateRunning, rec.State)
		assert.True(t, rec.CreatedAt.Equal(h.clock.Now().UTC()))
	})

	t.Run(name+"/StartIsIdempotent", func(t *testing.T) {
		h := factory(t)
		tr := newTracker(h)

		_, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)
		_, err = tr.Fail(ctx, "wf-1", "broker down")
		require.NoError(t, err)

		created, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)
		assert.False(t, created)

		rec, _, err := tr.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.StateFailed, rec.State, "a restart never revives a terminal workflow")
	})

	t.Run(name+"/FailThenRepeat", func(t *testing.T) {
		h := factory(t)
		tr := newTracker(h)

		_, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)

		tx, err := tr.Fail(ctx, "wf-1", "signal stage error")
		require.NoError(t, err)
		assert.Equal(t, workflow.Applied, tx)

		tx, err = tr.Fail(ctx, "wf-1", "again")
		require.NoError(t, err)
		assert.Equal(t, workflow.Repeated, tx)

		rec, _, err := tr.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "signal stage error", rec.Reason, "the first reason is kept")

		active, err := tr.IsActive(ctx, "wf-1")
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run(name+"/CompleteAfterFailIsRejected", func(t *testing.T) {
		h := factory(t)
		tr := newTracker(h)

		_, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)
		_, err = tr.Fail(ctx, "wf-1", "x")
		require.NoError(t, err)

		tx, err := tr.Complete(ctx, "wf-1")
		require.NoError(t, err, "an illegal transition is not an error")
		assert.Equal(t, workflow.Rejected, tx)

		rec, _, err := tr.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.StateFailed, rec.State)
	})

	t.Run(name+"/FailAfterCompleteIsRejected", func(t *testing.T) {
		h := factory(t)
		tr := newTracker(h)

		_, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)
		tx, err := tr.Complete(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.Applied, tx)

		tx, err = tr.Fail(ctx, "wf-1", "late failure")
		require.NoError(t, err)
		assert.Equal(t, workflow.Rejected, tx)
	})

	t.Run(name+"/UnknownWorkflow", func(t *testing.T) {
		h := factory(t)
		tr := newTracker(h)

		active, err := tr.IsActive(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, active)

		tx, err := tr.Fail(ctx, "missing", "x")
		require.NoError(t, err)
		assert.Equal(t, workflow.Unknown, tx)
	})

	t.Run(name+"/ConcurrentFailAppliesOnce", func(t *testing.T) {
		h := factory(t)
		tr := newTracker(h)

		_, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)

		const workers = 16
		var (
			wg      sync.WaitGroup
			applied atomic.Int32
			errCnt  atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tx, err := tr.Fail(ctx, "wf-1", "concurrent")
				if err != nil {
					errCnt.Add(1)
					return
				}
				if tx == workflow.Applied {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Zero(t, errCnt.Load())
		assert.Equal(t, int32(1), applied.Load())
	})

	t.Run(name+"/RetentionExpiry", func(t *testing.T) {
		h := factory(t)
		tr := workflow.NewTracker(h.store, workflow.WithClock(h.clock.Now), workflow.WithRetention(time.Hour))

		_, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)
		_, err = tr.Complete(ctx, "wf-1")
		require.NoError(t, err)

		h.advance(2 * time.Hour)
		_, ok, err := tr.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.False(t, ok)

		created, err := tr.Start(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, created, "an expired record is replaced")
	})
}

func TestTracker_EmptyID(t *testing.T) {
	tr := workflow.NewTracker(workflow.NewMemoryStore(nil))
	ctx := context.Background()

	_, err := tr.Start(ctx, "")
	assert.ErrorIs(t, err, workflow.ErrEmptyCorrelationID)
	_, err = tr.Fail(ctx, "", "x")
	assert.ErrorIs(t, err, workflow.ErrEmptyCorrelationID)

	active, err := tr.IsActive(ctx, "")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestTracker_LogsIllegalTransition(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := workflow.NewTracker(workflow.NewMemoryStore(nil), workflow.WithLogger(logger))
	ctx := context.Background()

	_, err := tr.Start(ctx, "wf-1")
	require.NoError(t, err)
	_, err = tr.Complete(ctx, "wf-1")
	require.NoError(t, err)
	_, err = tr.Fail(ctx, "wf-1", "late")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, "COMPLETED")
}

func TestTracker_StoreClosed(t *testing.T) {
	store := workflow.NewMemoryStore(nil)
	tr := workflow.NewTracker(store)
	require.NoError(t, store.Close())

	_, err := tr.Start(context.Background(), "wf-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrStoreClosed)
	assert.True(t, tferrors.IsRetryable(err))
}

func TestTransition_String(t *testing.T) {
	assert.Equal(t, "applied", workflow.Applied.String())
	assert.Equal(t, "repeated", workflow.Repeated.String())
	assert.Equal(t, "rejected", workflow.Rejected.String())
	assert.Equal(t, "unknown", workflow.Unknown.String())
	assert.Equal(t, "invalid", workflow.Transition(42).String())
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, workflow.StateRunning.Terminal())
	assert.True(t, workflow.StateFailed.Terminal())
	assert.True(t, workflow.StateCompleted.Terminal())
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := t.TempDir() + "/workflows.db"
	ctx := context.Background()

	store1, err := workflow.NewSQLiteStore(path, nil)
	require.NoError(t, err)
	_, err = workflow.NewTracker(store1).Start(ctx, "wf-1")
	require.NoError(t, err)
	require.NoError(t, store1.Close())
	require.NoError(t, store1.Close(), "close is idempotent")

	store2, err := workflow.NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer store2.Close()

	active, err := workflow.NewTracker(store2).IsActive(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestSQLiteStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store, err := workflow.NewSQLiteStore(":memory:", clock.Now)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	tr := workflow.NewTracker(store, workflow.WithClock(clock.Now), workflow.WithRetention(time.Hour))
	_, err = tr.Start(ctx, "wf-1")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewStores_Validation(t *testing.T) {
	_, err := workflow.NewRedisStore(nil, "", nil)
	assert.Error(t, err)
	_, err = workflow.NewEtcdStore(nil, nil, "", nil)
	assert.Error(t, err)
}
