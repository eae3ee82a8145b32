// Package coordination tracks the set of live gateway instances in Redis.
// Each instance heartbeats into a shared hash; entries that stop heartbeating
// age out of the active view. The relay does not depend on this registry, it
// exists for operators and the readiness probe.
package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

const (
	instancesKey = "gateway:instances"
	// staleAfter is how long a missing heartbeat keeps an instance in the
	// active view. Twice the default heartbeat plus slack.
	staleAfter = 60 * time.Second
)

// InstanceInfo is the heartbeat record one instance writes about itself.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

// InstanceRegistry maintains this instance's heartbeat and reads the
// cluster-wide active set.
type InstanceRegistry struct {
	rdb        *goredis.Client
	instanceID string
	heartbeat  time.Duration
	version    string
	clock      clockwork.Clock
}

// NewInstanceRegistry creates a registry for one instance. instanceID must be
// unique per process (hostname or UUID).
func NewInstanceRegistry(rdb *goredis.Client, instanceID string, heartbeat time.Duration, version string, clock clockwork.Clock) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:        rdb,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		clock:      clock,
	}
}

// Start registers immediately and then heartbeats until ctx is cancelled,
// at which point the instance deregisters itself.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Failed to write instance heartbeat", "error", err)
		return
	}

	if active, err := r.ActiveInstances(ctx); err == nil {
		metrics.InstanceRegistrySize.Set(float64(len(active)))
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Failed to deregister instance", "error", err)
	}
}

// ActiveInstances returns the ids of instances with a recent heartbeat.
// Stale entries are pruned from the hash as a side effect.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]string, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().Unix()
	active := make([]string, 0, len(entries))
	for id, raw := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			r.rdb.HDel(ctx, instancesKey, id)
			continue
		}
		if now-info.Timestamp >= int64(staleAfter.Seconds()) {
			r.rdb.HDel(ctx, instancesKey, id)
			continue
		}
		active = append(active, id)
	}
	return active, nil
}
