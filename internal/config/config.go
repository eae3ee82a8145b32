// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitTier holds the per-minute and per-hour budgets for one endpoint class.
type RateLimitTier struct {
	PerMinute int
	PerHour   int
}

type Config struct {
	AppEnv    string
	Port      string
	AppURL    string
	LogLevel  string
	LogFormat string

	// InstanceID identifies this process on the shared bus and in the
	// instance registry. Defaults to the hostname.
	InstanceID string

	RedisURL  string
	BusDriver string // "redis" or "nats"
	NatsURL   string

	// AuthSigningKeys holds one or more HMAC keys for credential
	// verification, newest first. Multiple keys allow rotation.
	AuthSigningKeys []string

	HeartbeatInterval time.Duration
	DrainGracePeriod  time.Duration
	OutboundQueueSize int

	GlobalMaxConnections int64
	PerIPMaxConnections  int
	ConnectRatePerSec    float64
	ConnectBurst         int

	RateLimitGeneral  RateLimitTier
	RateLimitAuth     RateLimitTier
	RateLimitRealtime RateLimitTier
	RateLimitFailOpen bool
	StoreTimeout      time.Duration
}

func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		AppEnv:     getEnv("APP_ENV", "development"),
		Port:       getEnv("PORT", "8080"),
		AppURL:     getEnv("APP_URL", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),
		InstanceID: getEnv("INSTANCE_ID", hostname),
		RedisURL:   getEnv("REDIS_URL", ""),
		BusDriver:  getEnv("BUS_DRIVER", "redis"),
		NatsURL:    getEnv("NATS_URL", ""),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	keys := getEnv("AUTH_SIGNING_KEYS", "")
	if keys == "" {
		return nil, fmt.Errorf("AUTH_SIGNING_KEYS is required")
	}
	for _, k := range strings.Split(keys, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if len(k) < 32 {
			return nil, fmt.Errorf("AUTH_SIGNING_KEYS entries must be at least 32 characters, got %d", len(k))
		}
		cfg.AuthSigningKeys = append(cfg.AuthSigningKeys, k)
	}
	if len(cfg.AuthSigningKeys) == 0 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEYS contains no usable keys")
	}

	switch cfg.BusDriver {
	case "redis":
	case "nats":
		if cfg.NatsURL == "" {
			return nil, fmt.Errorf("NATS_URL is required when BUS_DRIVER is nats")
		}
	default:
		return nil, fmt.Errorf("BUS_DRIVER must be redis or nats, got %q", cfg.BusDriver)
	}

	var err error
	if cfg.HeartbeatInterval, err = getDuration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DrainGracePeriod, err = getDuration("DRAIN_GRACE_PERIOD", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getDuration("RATE_LIMIT_STORE_TIMEOUT", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.OutboundQueueSize, err = getInt("OUTBOUND_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}
	if cfg.OutboundQueueSize < 1 {
		return nil, fmt.Errorf("OUTBOUND_QUEUE_SIZE must be at least 1")
	}

	globalMax, err := getInt("MAX_CONNECTIONS", 10000)
	if err != nil {
		return nil, err
	}
	cfg.GlobalMaxConnections = int64(globalMax)
	if cfg.PerIPMaxConnections, err = getInt("MAX_CONNECTIONS_PER_IP", 32); err != nil {
		return nil, err
	}
	if cfg.ConnectRatePerSec, err = getFloat("CONNECT_RATE_PER_SECOND", 10); err != nil {
		return nil, err
	}
	if cfg.ConnectBurst, err = getInt("CONNECT_BURST", 20); err != nil {
		return nil, err
	}

	if cfg.RateLimitGeneral, err = getTier("RATE_LIMIT_GENERAL", RateLimitTier{PerMinute: 60, PerHour: 1000}); err != nil {
		return nil, err
	}
	if cfg.RateLimitAuth, err = getTier("RATE_LIMIT_AUTH", RateLimitTier{PerMinute: 5, PerHour: 50}); err != nil {
		return nil, err
	}
	if cfg.RateLimitRealtime, err = getTier("RATE_LIMIT_REALTIME", RateLimitTier{PerMinute: 20, PerHour: 300}); err != nil {
		return nil, err
	}
	if cfg.RateLimitFailOpen, err = getBool("RATE_LIMIT_FAIL_OPEN", true); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// getTier reads "<prefix>_PER_MINUTE" and "<prefix>_PER_HOUR".
func getTier(prefix string, defaultValue RateLimitTier) (RateLimitTier, error) {
	perMinute, err := getInt(prefix+"_PER_MINUTE", defaultValue.PerMinute)
	if err != nil {
		return RateLimitTier{}, err
	}
	perHour, err := getInt(prefix+"_PER_HOUR", defaultValue.PerHour)
	if err != nil {
		return RateLimitTier{}, err
	}
	if perMinute < 1 || perHour < 1 {
		return RateLimitTier{}, fmt.Errorf("%s limits must be at least 1", prefix)
	}
	if perHour < perMinute {
		return RateLimitTier{}, fmt.Errorf("%s per-hour budget must not be below per-minute budget", prefix)
	}
	return RateLimitTier{PerMinute: perMinute, PerHour: perHour}, nil
}
