package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// DefaultRedisPrefix namespaces record keys.
const DefaultRedisPrefix = "tradeflow:idem:"

// redisTryBeginScript claims a record atomically.
// KEYS[1] = record hash
// ARGV[1] = now (unix nanos, kept as a string to avoid float rounding)
// ARGV[2] = in-progress TTL in milliseconds
// Returns {decision, attempts, first_attempt_at, last_error, recorded_at}
// where decision is "0" won, "1" already done, "2" already in progress.
var redisTryBeginScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "status", "attempts", "first_attempt_at", "last_error", "recorded_at")
local status = cur[1]
if status == "DONE" then
    return {"1", cur[2] or "1", cur[3] or ARGV[1], cur[4] or "", cur[5] or ARGV[1]}
end
if status == "IN_PROGRESS" then
    return {"2", cur[2] or "1", cur[3] or ARGV[1], cur[4] or "", cur[5] or ARGV[1]}
end

local attempts = 1
local first = ARGV[1]
local last = ""
if status == "FAILED" then
    attempts = (tonumber(cur[2]) or 0) + 1
    first = cur[3] or ARGV[1]
    last = cur[4] or ""
end

redis.call("HSET", KEYS[1], "status", "IN_PROGRESS", "attempts", attempts,
    "first_attempt_at", first, "recorded_at", ARGV[1], "last_error", last)
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {"0", tostring(attempts), first, last, ARGV[1]}
`)

// redisFinishScript moves a record to DONE or FAILED unless it is DONE.
// KEYS[1] = record hash
// ARGV[1] = status, ARGV[2] = now (unix nanos), ARGV[3] = TTL ms, ARGV[4] = cause
var redisFinishScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "status", "attempts", "first_attempt_at", "last_error")
if cur[1] == "DONE" then
    return 0
end
local last = cur[4] or ""
if ARGV[1] == "FAILED" then
    last = ARGV[4]
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "attempts", cur[2] or "1",
    "first_attempt_at", cur[3] or ARGV[2], "recorded_at", ARGV[2], "last_error", last)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// RedisStore keeps records as Redis hashes whose TTL is the record's
// expiry. Both state changes run as Lua scripts, so they are atomic
// across every process sharing the server.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	opts   options
}

// NewRedisStore creates a Redis-backed store. The caller owns client.
func NewRedisStore(client redis.Cmdable, opts ...Option) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("idempotency: nil redis client")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	prefix := o.keyPrefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, opts: o}, nil
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + k.Handler + ":" + k.EventID
}

// TryBegin implements Store.
func (s *RedisStore) TryBegin(ctx context.Context, key Key) (Decision, Record, error) {
	if err := key.validate(); err != nil {
		return Won, Record{}, err
	}

	now := s.opts.clock().UTC()
	ttl := s.opts.ttls.InProgress
	reply, err := redisTryBeginScript.Run(ctx, s.client, []string{s.key(key)},
		strconv.FormatInt(now.UnixNano(), 10), ttl.Milliseconds(),
	).StringSlice()
	if err != nil {
		return Won, Record{}, s.unavailable("try_begin", err)
	}
	if len(reply) != 5 {
		return Won, Record{}, s.unavailable("try_begin", fmt.Errorf("unexpected script reply %v", reply))
	}

	attempts, err := strconv.Atoi(reply[1])
	if err != nil {
		return Won, Record{}, s.unavailable("try_begin", fmt.Errorf("parse attempts: %w", err))
	}
	first, err := parseNanos(reply[2])
	if err != nil {
		return Won, Record{}, s.unavailable("try_begin", err)
	}
	recorded, err := parseNanos(reply[4])
	if err != nil {
		return Won, Record{}, s.unavailable("try_begin", err)
	}

	rec := Record{
		Key:            key,
		Attempts:       attempts,
		FirstAttemptAt: first,
		RecordedAt:     recorded,
		LastError:      reply[3],
	}
	switch reply[0] {
	case "0":
		rec.Status = StatusInProgress
		rec.ExpiresAt = now.Add(ttl)
		return Won, rec, nil
	case "1":
		rec.Status = StatusDone
		return AlreadyDone, rec, nil
	default:
		rec.Status = StatusInProgress
		return AlreadyInProgress, rec, nil
	}
}

// MarkDone implements Store.
func (s *RedisStore) MarkDone(ctx context.Context, key Key) error {
	return s.finish(ctx, key, StatusDone, "", s.opts.ttls.Done, "mark_done")
}

// MarkFailed implements Store.
func (s *RedisStore) MarkFailed(ctx context.Context, key Key, cause string) error {
	return s.finish(ctx, key, StatusFailed, cause, s.opts.ttls.Failed, "mark_failed")
}

func (s *RedisStore) finish(ctx context.Context, key Key, status Status, cause string, ttl time.Duration, op string) error {
	if err := key.validate(); err != nil {
		return err
	}
	now := s.opts.clock().UTC()
	err := redisFinishScript.Run(ctx, s.client, []string{s.key(key)},
		string(status), strconv.FormatInt(now.UnixNano(), 10), ttl.Milliseconds(), cause,
	).Err()
	if err != nil {
		return s.unavailable(op, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	k := s.key(key)
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, s.unavailable("get", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	rec := Record{Key: key, Status: Status(fields["status"]), LastError: fields["last_error"]}
	var err error
	if rec.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return Record{}, false, s.unavailable("get", fmt.Errorf("parse attempts: %w", err))
	}
	if rec.FirstAttemptAt, err = parseNanos(fields["first_attempt_at"]); err != nil {
		return Record{}, false, s.unavailable("get", err)
	}
	if rec.RecordedAt, err = parseNanos(fields["recorded_at"]); err != nil {
		return Record{}, false, s.unavailable("get", err)
	}
	if ttl := ttlCmd.Val(); ttl > 0 {
		rec.ExpiresAt = s.opts.clock().UTC().Add(ttl)
	}
	return rec, true, nil
}

// Close implements Store. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) unavailable(op string, err error) error {
	return tferrors.StoreUnavailable("idempotency.redis", op, err)
}

func parseNanos(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return time.Unix(0, n).UTC(), nil
}
