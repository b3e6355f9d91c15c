// Package config loads server configuration from the environment and
// seed profiles from schema-validated YAML documents.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string
	// DatabaseURL selects the backing store: postgres:// URLs use the
	// Postgres driver, anything else is treated as a SQLite DSN.
	DatabaseURL string
	// DataDir holds instance state kept outside the database, notably
	// the run-lock directory.
	DataDir string
	// Seed is the hex-encoded master seed the signing keys derive from.
	Seed string
	// RedisURL, when set, backs the run lock with Redis instead of the
	// filesystem.
	RedisURL string
	// Profile is an optional YAML seed profile applied at startup.
	Profile string
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string
	// Cycle is the scheduler period between cross-sign sweeps.
	Cycle time.Duration
	// ExchangeTimeout bounds one attestation round trip.
	ExchangeTimeout time.Duration
	// RateRPS and RateBurst configure the per-IP request limiter.
	RateRPS   int
	RateBurst int
	// OTLPEndpoint, when set, enables telemetry export over OTLP gRPC.
	OTLPEndpoint string
	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool
	// LockTTL, when positive, lets the Redis run lock expire so a
	// crashed holder is eventually reclaimed. Zero keeps locks held
	// until an operator clears them.
	LockTTL time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Listen:          envOr("CHRONICLE_LISTEN", ":8441"),
		DatabaseURL:     envOr("CHRONICLE_DB_URL", "file:chronicle.db"),
		DataDir:         envOr("CHRONICLE_DATA_DIR", "chronicle-data"),
		Seed:            os.Getenv("CHRONICLE_SEED"),
		RedisURL:        os.Getenv("CHRONICLE_REDIS_URL"),
		Profile:         os.Getenv("CHRONICLE_PROFILE"),
		LogLevel:        envOr("CHRONICLE_LOG_LEVEL", "INFO"),
		Cycle:           envDuration("CHRONICLE_CYCLE", time.Minute),
		ExchangeTimeout: envDuration("CHRONICLE_EXCHANGE_TIMEOUT", 30*time.Second),
		RateRPS:         envInt("CHRONICLE_RATE_RPS", 20),
		RateBurst:       envInt("CHRONICLE_RATE_BURST", 40),
		OTLPEndpoint:    os.Getenv("CHRONICLE_OTLP_ENDPOINT"),
		OTLPInsecure:    os.Getenv("CHRONICLE_OTLP_INSECURE") == "true",
		LockTTL:         envDuration("CHRONICLE_LOCK_TTL", 0),
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
