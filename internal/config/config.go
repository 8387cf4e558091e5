// Package config loads monitor settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Metrics sources.
const (
	SourceRedis    = "redis"
	SourcePostgres = "postgres"
	SourceEvents   = "events"
)

type Config struct {
	// Pub/sub
	RedisURL      string
	EventsChannel string
	PollTimeout   time.Duration // bounded wait for the next channel message

	// HTTP / WebSocket
	HTTPAddr    string
	SendTimeout time.Duration // per-client delivery bound

	// Metrics aggregator
	MetricsInterval time.Duration
	MetricsSource   string // redis, postgres or events
	EnginePrefix    string // key prefix of the engine's Redis storage
	PostgresDSN     string
	WorkerTTL       time.Duration // heartbeat age after which a worker is inactive

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		RedisURL:        envOr("ASYNCTASQ_REDIS_URL", "redis://localhost:6379"),
		EventsChannel:   envOr("ASYNCTASQ_EVENTS_CHANNEL", "asynctasq:events"),
		PollTimeout:     envDurationOr("MONITOR_POLL_TIMEOUT", time.Second),
		HTTPAddr:        envOr("MONITOR_HTTP_ADDR", ":8000"),
		SendTimeout:     envDurationOr("MONITOR_SEND_TIMEOUT", 5*time.Second),
		MetricsInterval: envDurationOr("MONITOR_METRICS_INTERVAL", 5*time.Second),
		MetricsSource:   envOr("MONITOR_METRICS_SOURCE", SourceRedis),
		EnginePrefix:    envOr("MONITOR_ENGINE_PREFIX", "asynctasq"),
		PostgresDSN:     envOr("MONITOR_POSTGRES_DSN", ""),
		WorkerTTL:       envDurationOr("MONITOR_WORKER_TTL", 60*time.Second),
		LogLevel:        envOr("MONITOR_LOG_LEVEL", "info"),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.MetricsSource {
	case SourceRedis, SourceEvents:
	case SourcePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("metrics source %q requires MONITOR_POSTGRES_DSN", SourcePostgres)
		}
	default:
		return fmt.Errorf("unknown metrics source %q (want %s, %s or %s)",
			c.MetricsSource, SourceRedis, SourcePostgres, SourceEvents)
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("send timeout must be positive, got %s", c.SendTimeout)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %s", c.PollTimeout)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics interval must be positive, got %s", c.MetricsInterval)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDurationOr accepts Go durations ("750ms") or a bare number of seconds.
func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs := envIntOr(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
