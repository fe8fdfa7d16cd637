package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all dispatcher configuration loaded from environment variables.
type Config struct {
	// Outbox store
	OutboxBackend string // "sqlite" or "redis"
	SQLitePath    string
	RedisAddr     string
	RedisPassword string

	// Dispatch
	DispatcherID     string
	DispatchBatch    int
	DispatchInterval int // milliseconds between outbox polls

	// Gates
	ReconcileFreshnessMS int64

	// Broker event feed (empty disables the feed)
	BrokerFeedURL string

	// Observability
	MetricsAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		OutboxBackend: getEnv("OUTBOX_BACKEND", "sqlite"),
		SQLitePath:    getEnv("SQLITE_PATH", "data/outbox.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DispatcherID:     getEnv("DISPATCHER_ID", hostnameTag()),
		DispatchBatch:    getEnvInt("DISPATCH_BATCH_SIZE", 16),
		DispatchInterval: getEnvInt("DISPATCH_INTERVAL_MS", 500),

		ReconcileFreshnessMS: int64(getEnvInt("RECONCILE_FRESHNESS_MS", 60000)),

		BrokerFeedURL: getEnv("BROKER_FEED_URL", ""),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}
}

func hostnameTag() string {
	h, err := os.Hostname()
	if err != nil {
		return "dispatcher"
	}
	return "dispatcher-" + h
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
