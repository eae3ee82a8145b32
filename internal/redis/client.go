// Package redis wraps the shared Redis client used for the coordination
// store: rate-limit counters, the pub/sub bus, instance heartbeats, and
// metric snapshots.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client from a URL (e.g., "redis://localhost:6379")
// with the metrics and circuit breaker hooks installed.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	rdb.AddHook(&MetricsHook{})
	rdb.AddHook(NewBreakerHook("redis"))
	return rdb, nil
}

// Ping verifies the Redis connection.
func Ping(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
