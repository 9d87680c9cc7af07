package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// Optional backends (database, NATS, Redis, Solana RPC) are disabled when their
// URL is empty.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Redis configuration, used for delivery de-duplication
	RedisURL string
	DedupTTL time.Duration

	// Solana configuration, used for backfill by signature
	SolanaRPCURL string

	// Enrichment configuration
	RegistryPath  string
	EnrichWorkers int
	MaxBatchSize  int

	// Webhook ingest rate limiting (deliveries per second)
	WebhookRateLimit float64
	WebhookRateBurst int

	// Temporal configuration
	TemporalEnabled   bool
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates it.
// Returns an error listing every invalid setting.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Backends
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")

	dedupTTL, err := parseDuration("DEDUP_TTL", "24h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DedupTTL = dedupTTL
	}

	// Enrichment configuration
	cfg.RegistryPath = os.Getenv("REGISTRY_PATH")

	workers, err := parseInt("ENRICH_WORKERS", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.EnrichWorkers = workers
	}

	maxBatch, err := parseInt("MAX_BATCH_SIZE", 1000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxBatchSize = maxBatch
	}

	// Rate limiting
	rateLimit, err := parseFloat("WEBHOOK_RATE_LIMIT", 50)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WebhookRateLimit = rateLimit
	}

	rateBurst, err := parseInt("WEBHOOK_RATE_BURST", 100)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WebhookRateBurst = rateBurst
	}

	// Temporal configuration
	temporalEnabled, err := parseBool("TEMPORAL_ENABLED", false)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TemporalEnabled = temporalEnabled
	}
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "solenrich-enrichment")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if c.EnrichWorkers < 0 {
		errs = append(errs, fmt.Errorf("EnrichWorkers cannot be negative"))
	}

	if c.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("MaxBatchSize must be positive"))
	}

	if c.WebhookRateLimit < 0 {
		errs = append(errs, fmt.Errorf("WebhookRateLimit cannot be negative"))
	}

	if c.WebhookRateLimit > 0 && c.WebhookRateBurst <= 0 {
		errs = append(errs, fmt.Errorf("WebhookRateBurst must be positive when rate limiting is enabled"))
	}

	if c.RedisURL != "" && c.DedupTTL < time.Second {
		errs = append(errs, fmt.Errorf("DedupTTL must be at least 1 second"))
	}

	if c.TemporalEnabled {
		if c.TemporalHost == "" {
			errs = append(errs, fmt.Errorf("TemporalHost is required"))
		}
		if c.TemporalNamespace == "" {
			errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
