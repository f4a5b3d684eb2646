// Package config loads server configuration from the environment. A .env
// file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the server.
type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Webhooks     WebhookConfig
	Warmth       WarmthConfig
	Entitlements EntitlementConfig
	RateLimit    RateLimitConfig
	Outbound     OutboundConfig
	Log          LogConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// CronSecret guards the operator endpoints (sweep, dead-letter list).
	CronSecret string
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// PostgresDSN selects the PostgreSQL backend when set; the in-memory
	// backend is used otherwise.
	PostgresDSN string
	// RedisURL enables the Redis rate-limit backend when set.
	RedisURL string
}

// WebhookConfig holds per-provider secrets.
type WebhookConfig struct {
	WebSecret     string
	IOSSecret     string
	AndroidSecret string
	// RetryInterval is how often the retry worker polls.
	RetryInterval time.Duration
}

// WarmthConfig holds warmth engine settings.
type WarmthConfig struct {
	// DefaultMode is the decay mode for never-configured contacts.
	DefaultMode string
	// Blend selects how interaction boosts combine with decayed scores:
	// "reset" or "additive".
	Blend string
}

// EntitlementConfig holds reconciler and trial settings.
type EntitlementConfig struct {
	SweepLookahead time.Duration
	SweepBatchSize int
	TrialCooldown  time.Duration
}

// RateLimitConfig holds the default per-caller limit.
type RateLimitConfig struct {
	CallerLimit  int
	CallerWindow time.Duration
}

// OutboundConfig holds delivery worker settings.
type OutboundConfig struct {
	PollInterval time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from the environment, honoring a .env file when
// one exists.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CronSecret:      os.Getenv("CRON_SECRET"),
		},
		Storage: StorageConfig{
			PostgresDSN: os.Getenv("POSTGRES_DSN"),
			RedisURL:    os.Getenv("REDIS_URL"),
		},
		Webhooks: WebhookConfig{
			WebSecret:     os.Getenv("WEBHOOK_WEB_SECRET"),
			IOSSecret:     os.Getenv("WEBHOOK_IOS_SECRET"),
			AndroidSecret: os.Getenv("WEBHOOK_ANDROID_SECRET"),
			RetryInterval: getDuration("WEBHOOK_RETRY_INTERVAL", 30*time.Second),
		},
		Warmth: WarmthConfig{
			DefaultMode: getEnv("WARMTH_DEFAULT_MODE", "medium"),
			Blend:       getEnv("WARMTH_BLEND", "reset"),
		},
		Entitlements: EntitlementConfig{
			SweepLookahead: getDuration("SWEEP_LOOKAHEAD", 48*time.Hour),
			SweepBatchSize: getInt("SWEEP_BATCH_SIZE", 100),
			TrialCooldown:  getDuration("TRIAL_COOLDOWN", 90*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			CallerLimit:  getInt("RATE_LIMIT_CALLER", 100),
			CallerWindow: getDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Outbound: OutboundConfig{
			PollInterval: getDuration("OUTBOUND_POLL_INTERVAL", 15*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getBool("LOG_PRETTY", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Warmth.DefaultMode {
	case "slow", "medium", "fast":
	default:
		return fmt.Errorf("invalid WARMTH_DEFAULT_MODE %q", c.Warmth.DefaultMode)
	}
	switch c.Warmth.Blend {
	case "reset", "additive":
	default:
		return fmt.Errorf("invalid WARMTH_BLEND %q", c.Warmth.Blend)
	}
	if c.Entitlements.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
