package redis

import (
	"context"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

// MetricsHook implements redis.Hook, recording every store operation —
// dials, single commands, and pipelines — under one counter and duration
// scheme, labeled by operation and outcome.
type MetricsHook struct{}

var _ redis.Hook = (*MetricsHook)(nil)

func (h *MetricsHook) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil && err != redis.Nil {
		status = "error"
	}
	metrics.RedisOpsTotal.WithLabelValues(op, status).Inc()
	metrics.RedisOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// DialHook records connection establishment.
func (h *MetricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		start := time.Now()
		conn, err := next(ctx, network, addr)
		h.observe("dial", start, err)
		return conn, err
	}
}

// ProcessHook records every command by name.
func (h *MetricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), start, err)
		return err
	}
}

// ProcessPipelineHook records pipelines as one aggregate operation.
func (h *MetricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", start, err)
		return err
	}
}
