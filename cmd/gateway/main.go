package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/charannyk06/shadower-analytics/internal/auth"
	"github.com/charannyk06/shadower-analytics/internal/bus"
	"github.com/charannyk06/shadower-analytics/internal/config"
	"github.com/charannyk06/shadower-analytics/internal/coordination"
	"github.com/charannyk06/shadower-analytics/internal/gateway"
	"github.com/charannyk06/shadower-analytics/internal/logging"
	"github.com/charannyk06/shadower-analytics/internal/metrics"
	"github.com/charannyk06/shadower-analytics/internal/ratelimit"
	"github.com/charannyk06/shadower-analytics/internal/redis"
	"github.com/charannyk06/shadower-analytics/internal/server"
	"github.com/charannyk06/shadower-analytics/internal/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redis.Ping(pingCtx, client); err != nil {
		slog.Warn("Redis not reachable at startup, continuing degraded", "error", err)
	}
	return client
}

func setupBus(ctx context.Context, cfg *config.Config, rdb *goredis.Client) bus.Bus {
	switch cfg.BusDriver {
	case "nats":
		b, err := bus.NewNATSBus(cfg.NatsURL)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		return b
	default:
		return bus.NewRedisBus(ctx, rdb)
	}
}

func tiers(cfg *config.Config) map[ratelimit.Class]ratelimit.Tier {
	return map[ratelimit.Class]ratelimit.Tier{
		ratelimit.ClassGeneral:  {PerMinute: cfg.RateLimitGeneral.PerMinute, PerHour: cfg.RateLimitGeneral.PerHour},
		ratelimit.ClassAuth:     {PerMinute: cfg.RateLimitAuth.PerMinute, PerHour: cfg.RateLimitAuth.PerHour},
		ratelimit.ClassRealtime: {PerMinute: cfg.RateLimitRealtime.PerMinute, PerHour: cfg.RateLimitRealtime.PerHour},
	}
}

func runGracefulShutdown(srv *server.Server, registry *gateway.Registry, eventBus bus.Bus, stopHeartbeat context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Hijacked websocket connections outlive http.Server.Shutdown, so
		// close them explicitly first.
		registry.CloseAll("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopHeartbeat()
		if err := eventBus.Close(); err != nil {
			slog.Error("Bus shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	build := version.Get()
	slog.Info("Gateway starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"instance_id", cfg.InstanceID,
		"bus_driver", cfg.BusDriver,
		"version", build.Version,
	)
	metrics.BuildInfo.WithLabelValues(build.Version, build.Commit, runtime.Version()).Set(1)

	redisClient := setupRedis(ctx, cfg)
	defer func() { _ = redisClient.Close() }()

	eventBus := setupBus(ctx, cfg, redisClient)

	verifier, err := auth.NewVerifier(cfg.AuthSigningKeys, clock)
	if err != nil {
		slog.Error("Failed to create credential verifier", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisStore(redisClient),
		tiers(cfg),
		clock,
		cfg.StoreTimeout,
		cfg.RateLimitFailOpen,
	)

	registry := gateway.NewRegistry()
	broadcaster := gateway.NewBroadcaster(registry, clock)
	router := gateway.NewRouter(eventBus, broadcaster, registry, cfg.InstanceID)
	broadcaster.SetRelay(router)
	registry.SetWorkspaceHooks(router.WorkspaceActive, router.WorkspaceIdle)

	limits := gateway.NewConnectionLimits(
		cfg.GlobalMaxConnections,
		cfg.PerIPMaxConnections,
		cfg.ConnectRatePerSec,
		cfg.ConnectBurst,
	)
	wsHandler := gateway.NewHandler(
		registry,
		verifier,
		limiter,
		limits,
		redis.NewMetricsSnapshotStore(redisClient),
		clock,
		gateway.HandlerConfig{
			AppURL:            cfg.AppURL,
			IsDevelopment:     cfg.AppEnv == "development",
			HeartbeatInterval: cfg.HeartbeatInterval,
			DrainGracePeriod:  cfg.DrainGracePeriod,
			OutboundQueueSize: cfg.OutboundQueueSize,
		},
	)

	instances := coordination.NewInstanceRegistry(redisClient, cfg.InstanceID, 30*time.Second, build.Version, clock)
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go instances.Start(heartbeatCtx)

	srv := server.NewServer(cfg, redisClient, instances, wsHandler, limiter)
	done := runGracefulShutdown(srv, registry, eventBus, stopHeartbeat)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
