package workflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// DefaultRedisPrefix namespaces workflow keys.
const DefaultRedisPrefix = "tradeflow:wf:"

// Scripts return {flag, state, reason, created_at, last_transition_at, pttl}.
// Timestamps are unix nanos kept as strings.

// redisCreateScript stores a RUNNING record unless one exists.
// KEYS[1] = record hash
// ARGV[1] = state, ARGV[2] = reason, ARGV[3] = created_at,
// ARGV[4] = last_transition_at, ARGV[5] = retention ms
var redisCreateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    local cur = redis.call("HMGET", KEYS[1], "state", "reason", "created_at", "last_transition_at")
    return {"0", cur[1] or "", cur[2] or "", cur[3] or "0", cur[4] or "0", tostring(redis.call("PTTL", KEYS[1]))}
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "reason", ARGV[2],
    "created_at", ARGV[3], "last_transition_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {"1", ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]}
`)

// redisCompareAndSetScript swaps the state when it equals the expected one.
// KEYS[1] = record hash
// ARGV[1] = expected state, ARGV[2] = next state, ARGV[3] = reason,
// ARGV[4] = last_transition_at, ARGV[5] = retention ms
var redisCompareAndSetScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "state", "reason", "created_at", "last_transition_at")
if not cur[1] then
    return {"-1", "", "", "0", "0", "0"}
end
if cur[1] ~= ARGV[1] then
    return {"0", cur[1], cur[2] or "", cur[3] or "0", cur[4] or "0", tostring(redis.call("PTTL", KEYS[1]))}
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "reason", ARGV[3], "last_transition_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {"1", ARGV[2], ARGV[3], cur[3] or "0", ARGV[4], ARGV[5]}
`)

// RedisStore keeps workflow records as Redis hashes that expire with the
// retention window. The caller owns client.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	clock  func() time.Time
}

// NewRedisStore creates a Redis-backed store. An empty prefix selects
// DefaultRedisPrefix; clock may be nil.
func NewRedisStore(client redis.Cmdable, prefix string, clock func() time.Time) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("workflow: nil redis client")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{client: client, prefix: prefix, clock: clock}, nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	reply, err := redisCreateScript.Run(ctx, s.client, []string{s.prefix + rec.CorrelationID},
		string(rec.State), rec.Reason,
		nanos(rec.CreatedAt), nanos(rec.LastTransitionAt),
		s.retentionMs(rec.ExpiresAt),
	).StringSlice()
	if err != nil {
		return Record{}, false, s.unavailable("create", err)
	}
	cur, flag, err := s.decode(rec.CorrelationID, reply)
	if err != nil {
		return Record{}, false, s.unavailable("create", err)
	}
	return cur, flag == "1", nil
}

// CompareAndSet implements Store.
func (s *RedisStore) CompareAndSet(ctx context.Context, id string, from State, next Record) (Record, bool, error) {
	reply, err := redisCompareAndSetScript.Run(ctx, s.client, []string{s.prefix + id},
		string(from), string(next.State), next.Reason,
		nanos(next.LastTransitionAt), s.retentionMs(next.ExpiresAt),
	).StringSlice()
	if err != nil {
		return Record{}, false, s.unavailable("compare_and_set", err)
	}
	cur, flag, err := s.decode(id, reply)
	if err != nil {
		return Record{}, false, s.unavailable("compare_and_set", err)
	}
	if flag == "-1" {
		return Record{}, false, nil
	}
	return cur, flag == "1", nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	key := s.prefix + id
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, false, s.unavailable("get", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, _, err := s.decode(id, []string{
		"0", fields["state"], fields["reason"], fields["created_at"], fields["last_transition_at"],
		strconv.FormatInt(ttlCmd.Val().Milliseconds(), 10),
	})
	if err != nil {
		return Record{}, false, s.unavailable("get", err)
	}
	return rec, true, nil
}

// Close implements Store. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) decode(id string, reply []string) (Record, string, error) {
	if len(reply) != 6 {
		return Record{}, "", fmt.Errorf("unexpected script reply %v", reply)
	}
	created, err := strconv.ParseInt(reply[3], 10, 64)
	if err != nil {
		return Record{}, "", fmt.Errorf("parse created_at: %w", err)
	}
	transition, err := strconv.ParseInt(reply[4], 10, 64)
	if err != nil {
		return Record{}, "", fmt.Errorf("parse last_transition_at: %w", err)
	}
	pttl, err := strconv.ParseInt(reply[5], 10, 64)
	if err != nil {
		return Record{}, "", fmt.Errorf("parse ttl: %w", err)
	}

	rec := Record{
		CorrelationID:    id,
		State:            State(reply[1]),
		Reason:           reply[2],
		CreatedAt:        time.Unix(0, created).UTC(),
		LastTransitionAt: time.Unix(0, transition).UTC(),
	}
	if pttl > 0 {
		rec.ExpiresAt = s.clock().UTC().Add(time.Duration(pttl) * time.Millisecond)
	}
	return rec, reply[0], nil
}

// retentionMs converts an absolute expiry into a PEXPIRE argument.
func (s *RedisStore) retentionMs(expiresAt time.Time) int64 {
	ms := expiresAt.Sub(s.clock()).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (s *RedisStore) unavailable(op string, err error) error {
	return tferrors.StoreUnavailable("workflow.redis", op, err)
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
