// Package config provides environment-based configuration management
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	StorageMariaDB = "mariadb"
	StorageMemory  = "memory"
)

// DBConfig holds database connection parameters
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RedisConfig holds Redis connection parameters
type RedisConfig struct {
	Addr     string // Format: host:port; empty disables the dedup cache
	Password string
	DB       int
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Port      int
	Storage   string
	LogLevel  slog.Level
	LogSecret string // guards /ws/logs
	RulesFile string // optional YAML seed of auto-reply rules
}

// WebhookConfig holds inbound webhook settings
type WebhookConfig struct {
	Secret string // HMAC key for X-Hub-Signature-256; empty disables the check
}

// ReconcileConfig tunes the state reconciler
type ReconcileConfig struct {
	Interval     time.Duration
	Jitter       time.Duration
	BlockedEvery int
	Concurrency  int
}

// WorkerConfig tunes the delivery worker
type WorkerConfig struct {
	PollInterval         time.Duration
	BatchSize            int
	Concurrency          int
	RatePerSecond        float64
	RateBurst            int
	RateMaxWait          time.Duration
	MaxAttempts          int
	MaxRateLimitAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	StaleAfter           time.Duration
}

// ProviderConfig holds provider API settings
type ProviderConfig struct {
	Timeout time.Duration
}

// AutoReplyConfig tunes reply scheduling
type AutoReplyConfig struct {
	Priority int
	Location *time.Location
}

// WatchdogConfig tunes the disk-pressure purge
type WatchdogConfig struct {
	Interval      time.Duration
	Path          string
	DiskThreshold float64
	RetentionDays int
}

// Config aggregates all configuration sections
type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	App       AppConfig
	Webhook   WebhookConfig
	Reconcile ReconcileConfig
	Worker    WorkerConfig
	Provider  ProviderConfig
	AutoReply AutoReplyConfig
	Watchdog  WatchdogConfig
}

// LoadConfig reads configuration from environment variables, after loading
// a .env file when one is present
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Database Configuration
	cfg.DB.Host = getEnv("DB_HOST", "chat_engine_db")
	cfg.DB.Port = getEnvAsInt("DB_PORT", 3306)
	cfg.DB.User = getEnv("DB_USER", "root")
	cfg.DB.Password = getEnv("DB_PASS", "")
	cfg.DB.Database = getEnv("DB_NAME", "chat_engine")

	// Redis Configuration
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "chat_engine_redis:6379")
	if strings.EqualFold(cfg.Redis.Addr, "off") {
		cfg.Redis.Addr = ""
	}
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", 0)

	// Application Configuration
	cfg.App.Port = getEnvAsInt("APP_PORT", 8080)
	cfg.App.Storage = strings.ToLower(getEnv("STORAGE_DRIVER", StorageMariaDB))
	cfg.App.LogSecret = getEnv("LOG_STREAM_SECRET", "")
	cfg.App.RulesFile = getEnv("AUTOREPLY_RULES_FILE", "")
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.App.LogLevel = level

	switch cfg.App.Storage {
	case StorageMariaDB:
		if cfg.DB.Password == "" {
			return nil, fmt.Errorf("DB_PASS environment variable is required")
		}
	case StorageMemory:
	default:
		return nil, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageMariaDB, StorageMemory, cfg.App.Storage)
	}

	cfg.Webhook.Secret = getEnv("WEBHOOK_SECRET", "")

	cfg.Reconcile.Interval = getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second)
	cfg.Reconcile.Jitter = getEnvAsDuration("RECONCILE_JITTER", 2*time.Second)
	cfg.Reconcile.BlockedEvery = getEnvAsInt("RECONCILE_BLOCKED_EVERY", 10)
	cfg.Reconcile.Concurrency = getEnvAsInt("RECONCILE_CONCURRENCY", 4)

	cfg.Worker.PollInterval = getEnvAsDuration("WORKER_POLL_INTERVAL", time.Second)
	cfg.Worker.BatchSize = getEnvAsInt("WORKER_BATCH_SIZE", 50)
	cfg.Worker.Concurrency = getEnvAsInt("WORKER_CONCURRENCY", 8)
	cfg.Worker.RatePerSecond = getEnvAsFloat("WORKER_RATE_PER_SECOND", 1)
	cfg.Worker.RateBurst = getEnvAsInt("WORKER_RATE_BURST", 5)
	cfg.Worker.RateMaxWait = getEnvAsDuration("WORKER_RATE_MAX_WAIT", 2*time.Second)
	cfg.Worker.MaxAttempts = getEnvAsInt("WORKER_MAX_ATTEMPTS", 5)
	cfg.Worker.MaxRateLimitAttempts = getEnvAsInt("WORKER_MAX_RATE_LIMIT_ATTEMPTS", 15)
	cfg.Worker.BackoffBase = getEnvAsDuration("WORKER_BACKOFF_BASE", 2*time.Second)
	cfg.Worker.BackoffMax = getEnvAsDuration("WORKER_BACKOFF_MAX", 10*time.Minute)
	cfg.Worker.StaleAfter = getEnvAsDuration("WORKER_STALE_AFTER", 5*time.Minute)

	cfg.Provider.Timeout = getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second)

	cfg.AutoReply.Priority = getEnvAsInt("AUTOREPLY_PRIORITY", 0)
	tz := getEnv("AUTOREPLY_TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("AUTOREPLY_TIMEZONE %q: %w", tz, err)
	}
	cfg.AutoReply.Location = loc

	cfg.Watchdog.Interval = getEnvAsDuration("WATCHDOG_INTERVAL", 10*time.Minute)
	cfg.Watchdog.Path = getEnv("WATCHDOG_PATH", "/")
	cfg.Watchdog.DiskThreshold = getEnvAsFloat("WATCHDOG_DISK_THRESHOLD", 70)
	cfg.Watchdog.RetentionDays = getEnvAsInt("RETENTION_DAYS", 7)

	if cfg.Worker.StaleAfter <= cfg.Worker.RateMaxWait+cfg.Provider.Timeout {
		return nil, fmt.Errorf("WORKER_STALE_AFTER (%s) must exceed WORKER_RATE_MAX_WAIT + PROVIDER_TIMEOUT (%s)",
			cfg.Worker.StaleAfter, cfg.Worker.RateMaxWait+cfg.Provider.Timeout)
	}

	return cfg, nil
}

// GetDSN returns MariaDB connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&clientFoundRows=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// getEnv reads environment variable with fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads environment variable as integer with fallback default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("1500ms") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
