// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"time"
)

// Config holds all runtime settings. DatabaseURL empty means the
// in-memory store; RedisURL empty disables the read-through cache;
// OracleURL empty disables price enrichment.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	OracleURL   string
	CacheTTL    time.Duration
}

// Load reads configuration from the environment with defaults.
func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		OracleURL:   os.Getenv("ORACLE_URL"),
		CacheTTL:    getDuration("CACHE_TTL", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
