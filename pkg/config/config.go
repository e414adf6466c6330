// Package config loads kernel configuration from environment variables and
// per-marketplace YAML profiles.
package config

import (
	"os"
	"strconv"
)

// Config holds runtime configuration for the kernel and its collaborators.
type Config struct {
	LogLevel string

	// DatabaseURL selects the ledger backend: empty for in-memory, a file or
	// :memory: DSN for SQLite, a postgres:// URL for Postgres.
	DatabaseURL string

	// RedisAddr enables the cross-process scheduler lease when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// S3 archival target for exported close packs. Empty bucket disables it.
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	// SchedulerIntervalMs paces the holdback maintenance loop.
	SchedulerIntervalMs int64

	// ProfilesDir holds marketplace settlement profiles.
	ProfilesDir string

	// TokenIssuer is stamped on JWT-encoded authority grants.
	TokenIssuer string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	interval := int64(60_000)
	if raw := os.Getenv("SCHEDULER_INTERVAL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			interval = v
		}
	}

	redisDB := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			redisDB = v
		}
	}

	issuer := os.Getenv("TOKEN_ISSUER")
	if issuer == "" {
		issuer = "settld-kernel"
	}

	return &Config{
		LogLevel:            logLevel,
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3Region:            os.Getenv("S3_REGION"),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3Prefix:            os.Getenv("S3_PREFIX"),
		SchedulerIntervalMs: interval,
		ProfilesDir:         os.Getenv("PROFILES_DIR"),
		TokenIssuer:         issuer,
	}
}
