package logger

import (
	"fmt"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// LogSource distinguishes internal queue-engine logs from job-handler logs.
type LogSource string

const (
	LogSourceInternal LogSource = "relayq_internal" // Internal system logs
	LogSourceJob      LogSource = "relayq_job"       // Job handler logs
)

// Component identifies which part of the queue engine generated the log.
// The console backend colors a line by its component so an operator tailing
// a live queue can separate the stall supervisor's sweeps from a worker's
// job-by-job chatter at a glance.
type Component string

const (
	ComponentProducer        Component = "producer"
	ComponentWorker          Component = "worker"
	ComponentStallSupervisor Component = "stall_supervisor"
	ComponentEventBus        Component = "event_bus"
	ComponentEngine          Component = "engine"
	ComponentLogger          Component = "logger"
)

// Config holds the complete logging configuration. relayq carries two
// tiers — console (on by default) and an optional rotating file — rather than
// the three-tier stack some ambient-logging stacks ship with: nothing in
// this queue's CLI surface (cmd/worker, cmd/api) ever needs a remote log
// sink, so there is no third tier to configure.
type Config struct {
	// Global settings
	Level  LogLevel  `json:"level"`
	Format LogFormat `json:"format"`

	// Tier 1: Console (enabled by default)
	Console ConsoleConfig `json:"console"`

	// Tier 2: File (optional)
	File FileConfig `json:"file"`
}

// ConsoleConfig configures console/terminal logging (Tier 1). Writes are
// synchronous and mutex-guarded — a queue's log volume is one line per job
// transition or stall sweep, not a firehose, so there is no async buffer to
// size or flush.
type ConsoleConfig struct {
	Enabled bool `json:"enabled"` // True by default; LOG_CONSOLE_ENABLED can turn it off
	Color   bool `json:"color"`   // Enable colored output (text mode only)
}

// FileConfig configures file-based logging (Tier 2).
type FileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`         // Log file path
	MaxSizeMB  int    `json:"max_size_mb"`  // Max size before rotation
	MaxBackups int    `json:"max_backups"`  // Max number of old log files
	MaxAgeDays int    `json:"max_age_days"` // Max age in days
	Compress   bool   `json:"compress"`     // Compress rotated files
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Console: ConsoleConfig{
			Enabled: true,
			Color:   true,
		},
		File: FileConfig{
			Enabled:    false,
			Path:       "/var/log/relayq/relayq.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		// Valid
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	switch c.Format {
	case FormatJSON, FormatText:
		// Valid
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.MaxSizeMB <= 0 {
			return fmt.Errorf("file max size must be > 0")
		}
	}

	return nil
}
