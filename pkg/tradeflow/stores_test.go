package tradeflow_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/bus"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/config"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/idempotency"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/workflow"
)

func TestOpenStores_Memory(t *testing.T) {
	stores, err := tradeflow.OpenStores(context.Background(), config.Defaults())
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &idempotency.MemoryStore{}, stores.Idempotency)
	assert.IsType(t, &workflow.MemoryStore{}, stores.Workflow)
	assert.IsType(t, &deadletter.MemoryQueue{}, stores.DeadLetters)
	assert.NotNil(t, stores.Queue)
}

func TestOpenStores_SQLite(t *testing.T) {
	settings := config.Defaults()
	settings.Storage.Idempotency = config.BackendSQLite
	settings.Storage.Workflow = config.BackendSQLite
	settings.Storage.DeadLetter = config.BackendSQLite
	settings.Storage.SQLitePath = filepath.Join(t.TempDir(), "tradeflow.db")

	stores, err := tradeflow.OpenStores(context.Background(), settings)
	require.NoError(t, err)

	assert.IsType(t, &idempotency.SQLiteStore{}, stores.Idempotency)
	assert.IsType(t, &workflow.SQLiteStore{}, stores.Workflow)
	assert.IsType(t, &deadletter.SQLiteQueue{}, stores.Queue)

	// One run survives a reopen of the same file.
	reg, err := contracts().Build()
	require.NoError(t, err)
	k, err := tradeflow.New(reg, stores, bus.NewRecorder(), tradeflow.WithSettings(settings))
	require.NoError(t, err)
	resp, err := k.Invoke(context.Background(), []byte(`{"mode":"trade","correlation_id":"durable"}`))
	require.NoError(t, err)
	require.NoError(t, stores.Close())

	reopened, err := tradeflow.OpenStores(context.Background(), settings)
	require.NoError(t, err)
	defer reopened.Close()
	rec, ok, err := reopened.Workflow.Get(context.Background(), resp.CorrelationID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.StateRunning, rec.State)
}

func TestOpenStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := config.Defaults()
	settings.Storage.Idempotency = config.BackendRedis
	settings.Storage.Workflow = config.BackendRedis
	settings.Storage.DeadLetter = config.BackendRedis
	settings.Storage.RedisAddr = mr.Addr()

	stores, err := tradeflow.OpenStores(context.Background(), settings)
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &idempotency.RedisStore{}, stores.Idempotency)
	assert.IsType(t, &workflow.RedisStore{}, stores.Workflow)
	assert.IsType(t, &deadletter.RedisStreamSink{}, stores.DeadLetters)
	assert.Nil(t, stores.Queue, "a stream sink does not replay")

	reg, err := contracts().Build()
	require.NoError(t, err)
	k, err := tradeflow.New(reg, stores, bus.NewRecorder(), tradeflow.WithSettings(settings))
	require.NoError(t, err)

	_, err = k.Invoke(context.Background(), []byte(`{"mode":"trade","correlation_id":"shared"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys(), "workflow state lives in redis")

	require.NoError(t, k.DeadLetter(context.Background(), []byte(`{"x":1}`), nil))
	assert.True(t, mr.Exists("tradeflow:deadletter"))
}

func TestOpenStores_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	tests := []struct {
		name   string
		mutate func(*config.Storage)
		want   string
	}{
		{
			name: "redis",
			mutate: func(s *config.Storage) {
				s.Workflow = config.BackendRedis
				s.RedisAddr = addr
			},
			want: "connect redis",
		},
		{
			name: "postgres",
			mutate: func(s *config.Storage) {
				s.Idempotency = config.BackendPostgres
				s.PostgresDSN = "postgres://tradeflow@" + addr + "/tradeflow?sslmode=disable"
			},
			want: "connect postgres",
		},
		{
			name:   "unknown backend",
			mutate: func(s *config.Storage) { s.DeadLetter = "carrier-pigeon" },
			want:   "unsupported dead-letter backend",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := config.Defaults()
			settings.Storage.DialTimeout = 500 * time.Millisecond
			tt.mutate(&settings.Storage)

			_, err := tradeflow.OpenStores(context.Background(), settings)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
