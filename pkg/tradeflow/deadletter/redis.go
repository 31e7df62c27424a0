package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// DefaultRedisStream is the stream RedisStreamSink appends to.
const DefaultRedisStream = "tradeflow:deadletter"

// RedisStreamSink appends dead letters to a Redis stream for operators and
// external tooling. It does not schedule replays.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink. An empty stream uses
// DefaultRedisStream; maxLen <= 0 keeps the stream untrimmed.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) (*RedisStreamSink, error) {
	if client == nil {
		return nil, errors.New("deadletter: redis client is required")
	}
	if stream == "" {
		stream = DefaultRedisStream
	}
	if maxLen < 0 {
		maxLen = 0
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Enqueue implements Sink.
func (s *RedisStreamSink) Enqueue(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]any{
			"id":         entry.ID(),
			"event_type": string(entry.EventType),
			"origin":     string(entry.Origin),
			"entry":      string(data),
		},
	}).Err()
	if err != nil {
		return tferrors.StoreUnavailable("deadletter.redis", "enqueue", err)
	}
	return nil
}

// List returns up to count entries, oldest first. count <= 0 means all.
func (s *RedisStreamSink) List(ctx context.Context, count int64) ([]*Entry, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, "-", "+").Result()
	}
	if err != nil {
		return nil, tferrors.StoreUnavailable("deadletter.redis", "list", err)
	}

	entries := make([]*Entry, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["entry"].(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", msg.ID, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Len returns the stream length.
func (s *RedisStreamSink) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.stream).Result()
	if err != nil {
		return 0, tferrors.StoreUnavailable("deadletter.redis", "len", err)
	}
	return n, nil
}
