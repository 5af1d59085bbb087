// Package config loads process-level configuration for the relayq demo
// binaries (cmd/api, cmd/worker) from environment variables. It is
// deliberately separate from relayq.Settings/LoadSettingsFromEnv: Settings
// configures one Queue handle, while Config configures the surrounding
// process — which port to listen on, how many worker goroutines to run,
// which queue name to open, and how to configure the logger.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/relaygo/relayq/internal/logger"
)

// Config holds process-level configuration shared by the demo binaries.
type Config struct {
	// RedisURL is the connection URL passed to relayq.WithRedisURL.
	RedisURL string
	// QueueName is the queue this process opens.
	QueueName string
	// APIPort is the port cmd/api listens on for its status endpoint.
	APIPort string
	// WorkerConcurrency is the number of concurrent handler goroutines
	// cmd/worker runs.
	WorkerConcurrency int
	// StallInterval is the stall supervisor's sweep period.
	StallInterval time.Duration
	// Logging configures the tiered logger both binaries use.
	Logging *logger.Config
}

// LoadConfig loads Config from the environment, falling back to the same
// defaults relayq.DefaultSettings uses for anything queue-shaped.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		QueueName:         getEnv("QUEUE_NAME", "default"),
		APIPort:           getEnv("API_PORT", "8080"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 5),
		StallInterval:     getEnvAsDuration("STALL_INTERVAL", 5*time.Second),
		Logging:           loadLoggingConfig(),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QUEUE_NAME cannot be empty")
	}
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("API_PORT cannot be empty")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.StallInterval <= 0 {
		return nil, fmt.Errorf("STALL_INTERVAL must be positive")
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables,
// mirroring the teacher's LOG_* variable set.
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)

	return cfg
}
