package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// admitScript performs the full prune-check-record cycle atomically. Keeping
// it in a single Lua script means two concurrent admits at count = limit-1
// can never both pass: Redis serializes script execution per key.
//
// KEYS[1] = sorted set of request timestamps for one (actor, class) pair
// ARGV[1] = now in unix milliseconds
// ARGV[2] = minute window size in milliseconds
// ARGV[3] = per-minute limit
// ARGV[4] = hour window size in milliseconds
// ARGV[5] = per-hour limit
// ARGV[6] = unique member for the recorded timestamp
//
// Returns {allowed (0|1), retry_after_ms}.
var admitScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local minute_ms = tonumber(ARGV[2])
local minute_limit = tonumber(ARGV[3])
local hour_ms = tonumber(ARGV[4])
local hour_limit = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - hour_ms)

local hour_count = redis.call('ZCARD', KEYS[1])
local minute_count = redis.call('ZCOUNT', KEYS[1], now - minute_ms, '+inf')

if minute_count < minute_limit and hour_count < hour_limit then
    redis.call('ZADD', KEYS[1], now, ARGV[6])
    redis.call('PEXPIRE', KEYS[1], hour_ms)
    return {1, 0}
end

local retry = 0
if minute_count >= minute_limit then
    local oldest = redis.call('ZRANGEBYSCORE', KEYS[1], now - minute_ms, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
    if oldest[2] then
        retry = tonumber(oldest[2]) + minute_ms - now
    end
end
if hour_count >= hour_limit then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    if oldest[2] then
        local hour_retry = tonumber(oldest[2]) + hour_ms - now
        if hour_retry > retry then
            retry = hour_retry
        end
    end
end
if retry < 1 then
    retry = 1
end
return {0, retry}
`)

// RedisStore implements Store on a Redis sorted set per (actor, class) key.
// Members are random UUIDs scored by request time in milliseconds, so
// same-millisecond requests never collapse into one entry.
type RedisStore struct {
	rdb          *goredis.Client
	minuteWindow time.Duration
	hourWindow   time.Duration
}

// NewRedisStore creates a store with the standard one-minute and one-hour
// windows.
func NewRedisStore(rdb *goredis.Client) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		minuteWindow: time.Minute,
		hourWindow:   time.Hour,
	}
}

// Admit runs the admission script for one request.
func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, tier Tier) (Decision, error) {
	result, err := admitScript.Run(ctx, s.rdb, []string{key},
		now.UnixMilli(),
		s.minuteWindow.Milliseconds(),
		tier.PerMinute,
		s.hourWindow.Milliseconds(),
		tier.PerHour,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run admission script: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("unexpected admission script result length %d", len(result))
	}

	if result[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed:    false,
		RetryAfter: time.Duration(result[1]) * time.Millisecond,
	}, nil
}
