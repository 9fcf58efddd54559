package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all accounting-service configuration values.
type Config struct {
	// Server (httpapi facade)
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Storage backend: "sqlite", "postgres", or "csv".
	Backend     string
	DatabaseURL string
	CSVDataDir  string

	// Redis (optional distributed denial cache)
	RedisURL     string
	UseRedisDeny bool

	// Authentication (httpapi facade)
	APIKeyHeader string
	APIKey       string

	// Rate limiting (httpapi ingress throttle, distinct from quota limits)
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	// Timeouts
	DefaultTimeout time.Duration
	StatsTimeout   time.Duration

	// Body limits
	MaxBodyBytes int64

	// Membership enforcement
	EnforceProjectNames bool
	EnforceUserNames    bool

	// Denial cache
	DenialCacheMaxTTL time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("ACCOUNTING_GRACEFUL_TIMEOUT_SEC", 15)
	defaultTimeoutSec := getEnvInt("ACCOUNTING_DEFAULT_TIMEOUT_SEC", 30)
	statsTimeoutSec := getEnvInt("ACCOUNTING_STATS_TIMEOUT_SEC", 60)
	denialTTLSec := getEnvInt("ACCOUNTING_DENIAL_CACHE_MAX_TTL_SEC", 3600)

	return &Config{
		Addr:                getEnv("ACCOUNTING_ADDR", ":8090"),
		Env:                 getEnv("ENV", "development"),
		GracefulTimeout:     time.Duration(gracefulSec) * time.Second,
		Backend:             getEnv("ACCOUNTING_BACKEND", "sqlite"),
		DatabaseURL:         getEnv("DATABASE_URL", "data/accounting.db"),
		CSVDataDir:          getEnv("ACCOUNTING_CSV_DIR", "data"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		UseRedisDeny:        getEnvBool("ACCOUNTING_USE_REDIS_DENY_CACHE", false),
		APIKeyHeader:        getEnv("API_KEY_HEADER", "X-API-Key"),
		APIKey:              getEnv("ACCOUNTING_API_KEY", ""),
		RateLimitEnabled:    getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", 600),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 50),
		DefaultTimeout:      time.Duration(defaultTimeoutSec) * time.Second,
		StatsTimeout:        time.Duration(statsTimeoutSec) * time.Second,
		MaxBodyBytes:        int64(getEnvInt("ACCOUNTING_MAX_BODY_BYTES", 1*1024*1024)),
		EnforceProjectNames: getEnvBool("ACCOUNTING_ENFORCE_PROJECT_NAMES", false),
		EnforceUserNames:    getEnvBool("ACCOUNTING_ENFORCE_USER_NAMES", false),
		DenialCacheMaxTTL:   time.Duration(denialTTLSec) * time.Second,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
