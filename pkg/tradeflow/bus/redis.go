package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/envelope"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
)

// Stream field names.
const (
	fieldEventID = "event_id"
	fieldType    = "type"
	fieldBody    = "body"
)

// RedisStreamConfig configures a RedisStreamBus.
type RedisStreamConfig struct {
	// Stream is the stream key.
	// Default: "tradeflow:events"
	Stream string

	// MaxLen caps the stream length (approximate trimming). Zero disables.
	// Default: 100000
	MaxLen int64

	// Count is the batch size of one read.
	// Default: 16
	Count int64

	// Block is how long a read waits for new entries. Negative means do
	// not block.
	// Default: 5s
	Block time.Duration

	// MaxDeliveries bounds deliveries of one entry before it is handed to
	// OnGiveUp and acknowledged.
	// Default: 5
	MaxDeliveries int64

	// OnGiveUp receives bodies that were not redelivered again.
	OnGiveUp GiveUp
}

// DefaultRedisStreamConfig provides reasonable defaults.
func DefaultRedisStreamConfig() RedisStreamConfig {
	return RedisStreamConfig{
		Stream:        "tradeflow:events",
		MaxLen:        100000,
		Count:         16,
		Block:         5 * time.Second,
		MaxDeliveries: 5,
	}
}

// RedisStreamBus publishes to a Redis stream and consumes it through a
// consumer group. Entries are acknowledged only after a successful delivery;
// failed entries stay pending and are redelivered by ReclaimPending.
type RedisStreamBus struct {
	client redis.Cmdable
	cfg    RedisStreamConfig
}

// NewRedisStreamBus creates a bus over client.
func NewRedisStreamBus(client redis.Cmdable, cfg RedisStreamConfig) (*RedisStreamBus, error) {
	if client == nil {
		return nil, errors.New("bus: redis client is required")
	}
	d := DefaultRedisStreamConfig()
	if cfg.Stream == "" {
		cfg.Stream = d.Stream
	}
	if cfg.MaxLen < 0 {
		cfg.MaxLen = 0
	}
	if cfg.Count <= 0 {
		cfg.Count = d.Count
	}
	if cfg.Block == 0 {
		cfg.Block = d.Block
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = d.MaxDeliveries
	}
	return &RedisStreamBus{client: client, cfg: cfg}, nil
}

// Publish implements Publisher.
func (b *RedisStreamBus) Publish(ctx context.Context, evt event.Event) error {
	body, err := envelope.Wrap(evt)
	if err != nil {
		return tferrors.Permanent(err, "publish")
	}

	args := &redis.XAddArgs{
		Stream: b.cfg.Stream,
		MaxLen: b.cfg.MaxLen,
		Approx: b.cfg.MaxLen > 0,
		Values: map[string]any{
			fieldEventID: evt.ID(),
			fieldType:    string(evt.Type()),
			fieldBody:    string(body),
		},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return tferrors.Transient(fmt.Errorf("publish %s %s: %w", evt.Type(), evt.ID(), err), "redis stream")
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (b *RedisStreamBus) EnsureGroup(ctx context.Context, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return nil
}

// ReadOnce reads one batch of new entries for consumer and delivers them.
// It returns the number of entries acknowledged.
func (b *RedisStreamBus) ReadOnce(ctx context.Context, group, consumer string, deliver Delivery) (int, error) {
	block := b.cfg.Block
	if block < 0 {
		block = -1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    b.cfg.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stream %s: %w", b.cfg.Stream, err)
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			ok, err := b.handle(ctx, group, msg, deliver)
			if err != nil {
				return acked, err
			}
			if ok {
				acked++
			}
		}
	}
	return acked, nil
}

// ReclaimPending claims entries that have been pending for at least
// minIdle and redelivers them to consumer. Entries that already reached
// MaxDeliveries go to OnGiveUp and are acknowledged.
func (b *RedisStreamBus) ReclaimPending(ctx context.Context, group, consumer string, minIdle time.Duration, deliver Delivery) (int, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  b.cfg.Count,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list pending on %s: %w", b.cfg.Stream, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("claim pending on %s: %w", b.cfg.Stream, err)
	}

	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
	}

	acked := 0
	for _, msg := range claimed {
		if deliveries[msg.ID] >= b.cfg.MaxDeliveries {
			body, _ := msg.Values[fieldBody].(string)
			if b.cfg.OnGiveUp != nil {
				b.cfg.OnGiveUp(ctx, []byte(body), fmt.Errorf("delivered %d times without success", deliveries[msg.ID]))
			}
			if err := b.client.XAck(ctx, b.cfg.Stream, group, msg.ID).Err(); err != nil {
				return acked, fmt.Errorf("ack %s: %w", msg.ID, err)
			}
			acked++
			continue
		}
		ok, err := b.handle(ctx, group, msg, deliver)
		if err != nil {
			return acked, err
		}
		if ok {
			acked++
		}
	}
	return acked, nil
}

// Consume runs ReadOnce and ReclaimPending until ctx is done.
func (b *RedisStreamBus) Consume(ctx context.Context, group, consumer string, reclaimIdle time.Duration, deliver Delivery) error {
	if err := b.EnsureGroup(ctx, group); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := b.ReadOnce(ctx, group, consumer, deliver); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if _, err := b.ReclaimPending(ctx, group, consumer, reclaimIdle, deliver); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// handle delivers one entry and acknowledges it on success. A permanent
// delivery error gives up on the entry at once.
func (b *RedisStreamBus) handle(ctx context.Context, group string, msg redis.XMessage, deliver Delivery) (bool, error) {
	body, ok := msg.Values[fieldBody].(string)
	if !ok {
		// Not ours; acknowledge so it is not redelivered forever.
		return true, b.client.XAck(ctx, b.cfg.Stream, group, msg.ID).Err()
	}

	if err := deliver(ctx, []byte(body)); err != nil {
		if tferrors.IsRetryable(err) {
			return false, nil
		}
		if b.cfg.OnGiveUp != nil {
			b.cfg.OnGiveUp(ctx, []byte(body), err)
		}
	}
	if err := b.client.XAck(ctx, b.cfg.Stream, group, msg.ID).Err(); err != nil {
		return false, fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return true, nil
}
