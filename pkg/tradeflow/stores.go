package tradeflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/config"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/idempotency"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/workflow"
)

// Stores are the durable collaborators of a Kernel.
type Stores struct {
	Idempotency idempotency.Store
	Workflow    workflow.Store
	DeadLetters deadletter.Sink

	// Queue is set when the dead-letter backend supports replay.
	Queue deadletter.Queue

	closers []func() error
}

// MemoryStores returns in-process stores, for tests and single-process runs.
func MemoryStores() (*Stores, error) {
	idem, err := idempotency.NewMemoryStore()
	if err != nil {
		return nil, err
	}
	queue := deadletter.NewMemoryQueue(deadletter.DefaultQueueConfig())
	s := &Stores{
		Idempotency: idem,
		Workflow:    workflow.NewMemoryStore(nil),
		DeadLetters: queue,
		Queue:       queue,
	}
	s.closers = append(s.closers, idem.Close, s.Workflow.Close)
	return s, nil
}

// OpenStores connects the backends selected in settings. Clients shared by
// several stores (one Redis client, one SQLite file) are opened once.
func OpenStores(ctx context.Context, settings config.Settings) (*Stores, error) {
	o := &opener{ctx: ctx, settings: settings.Storage, s: &Stores{}}
	if err := o.open(settings); err != nil {
		return nil, errors.Join(err, o.s.Close())
	}
	return o.s, nil
}

type opener struct {
	ctx      context.Context
	settings config.Storage
	s        *Stores
	redis    *redis.Client
}

func (o *opener) open(settings config.Settings) error {
	st := o.settings
	idemOpts := []idempotency.Option{idempotency.WithTTLs(settings.IdempotencyTTLs)}

	switch st.Idempotency {
	case config.BackendMemory:
		store, err := idempotency.NewMemoryStore(idemOpts...)
		if err != nil {
			return err
		}
		o.track(store.Close)
		o.s.Idempotency = store
	case config.BackendSQLite:
		store, err := idempotency.NewSQLiteStore(st.SQLitePath, idemOpts...)
		if err != nil {
			return fmt.Errorf("open sqlite idempotency store: %w", err)
		}
		o.track(store.Close)
		o.s.Idempotency = store
	case config.BackendRedis:
		client, err := o.redisClient()
		if err != nil {
			return err
		}
		store, err := idempotency.NewRedisStore(client, append(idemOpts, idempotency.WithKeyPrefix(st.RedisPrefix+"idempotency:"))...)
		if err != nil {
			return err
		}
		o.s.Idempotency = store
	case config.BackendPostgres:
		db, err := sql.Open("postgres", st.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		o.track(db.Close)
		pingCtx, cancel := context.WithTimeout(o.ctx, st.DialTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		store, err := idempotency.NewPostgresStore(db, idemOpts...)
		if err != nil {
			return err
		}
		o.s.Idempotency = store
	default:
		return fmt.Errorf("unsupported idempotency backend %q", st.Idempotency)
	}

	switch st.Workflow {
	case config.BackendMemory:
		o.s.Workflow = workflow.NewMemoryStore(nil)
	case config.BackendSQLite:
		store, err := workflow.NewSQLiteStore(st.SQLitePath, nil)
		if err != nil {
			return fmt.Errorf("open sqlite workflow store: %w", err)
		}
		o.s.Workflow = store
	case config.BackendRedis:
		client, err := o.redisClient()
		if err != nil {
			return err
		}
		store, err := workflow.NewRedisStore(client, st.RedisPrefix+"workflow:", nil)
		if err != nil {
			return err
		}
		o.s.Workflow = store
	case config.BackendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   st.EtcdEndpoints,
			DialTimeout: st.DialTimeout,
			Context:     o.ctx,
		})
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		o.track(client.Close)
		store, err := workflow.NewEtcdStore(client.KV, client.Lease, st.EtcdPrefix, nil)
		if err != nil {
			return err
		}
		o.s.Workflow = store
	default:
		return fmt.Errorf("unsupported workflow backend %q", st.Workflow)
	}
	o.track(o.s.Workflow.Close)

	switch st.DeadLetter {
	case config.BackendMemory:
		q := deadletter.NewMemoryQueue(deadletter.DefaultQueueConfig())
		o.s.DeadLetters, o.s.Queue = q, q
	case config.BackendSQLite:
		q, err := deadletter.NewSQLiteQueue(st.SQLitePath, deadletter.DefaultQueueConfig())
		if err != nil {
			return fmt.Errorf("open sqlite dead-letter queue: %w", err)
		}
		o.track(q.Close)
		o.s.DeadLetters, o.s.Queue = q, q
	case config.BackendRedis:
		client, err := o.redisClient()
		if err != nil {
			return err
		}
		sink, err := deadletter.NewRedisStreamSink(client, st.RedisPrefix+"deadletter", 0)
		if err != nil {
			return err
		}
		o.s.DeadLetters = sink
	default:
		return fmt.Errorf("unsupported dead-letter backend %q", st.DeadLetter)
	}
	return nil
}

// redisClient connects once and shares the client between stores.
func (o *opener) redisClient() (*redis.Client, error) {
	if o.redis != nil {
		return o.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        o.settings.RedisAddr,
		Password:    o.settings.RedisPassword,
		DB:          o.settings.RedisDB,
		DialTimeout: o.settings.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(o.ctx, o.settings.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", o.settings.RedisAddr, err)
	}
	o.redis = client
	o.track(client.Close)
	return client, nil
}

func (o *opener) track(closer func() error) {
	o.s.closers = append(o.s.closers, closer)
}

// Close releases every store, most recently opened first.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
