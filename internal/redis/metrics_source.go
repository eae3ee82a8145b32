package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNoSnapshot is returned when no snapshot exists for the requested metric.
var ErrNoSnapshot = errors.New("no metric snapshot available")

// MetricsSnapshotStore serves request_metrics lookups from the pre-computed
// snapshots that the platform's aggregation jobs write to Redis. Payloads are
// opaque JSON; the gateway never interprets them.
type MetricsSnapshotStore struct {
	rdb *goredis.Client
}

// NewMetricsSnapshotStore creates a snapshot reader on the shared client.
func NewMetricsSnapshotStore(rdb *goredis.Client) *MetricsSnapshotStore {
	return &MetricsSnapshotStore{rdb: rdb}
}

func snapshotKey(workspaceID string) string {
	return "metrics:snapshot:" + workspaceID
}

// Snapshot returns the latest snapshot for (workspace, metricType).
func (s *MetricsSnapshotStore) Snapshot(ctx context.Context, workspaceID, metricType string) (json.RawMessage, error) {
	val, err := s.rdb.HGet(ctx, snapshotKey(workspaceID), metricType).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metric snapshot: %w", err)
	}
	return json.RawMessage(val), nil
}
