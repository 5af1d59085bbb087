package logger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger is the optional Tier 2 backend: JSON lines written straight
// through a rotating file, for deployments that want a durable on-disk
// record of queue activity alongside (or instead of) console output.
//
// Writes are synchronous and mutex-guarded, same as ConsoleLogger — at
// one line per job transition there is no throughput case for the
// async batch-writer a higher-volume logger would need.
type FileLogger struct {
	logger *lumberjack.Logger
	mu     sync.Mutex
}

// NewFileLogger creates a new file logger.
func NewFileLogger(config *Config) (*FileLogger, error) {
	if !config.File.Enabled {
		return nil, fmt.Errorf("file logging is not enabled")
	}

	return &FileLogger{
		logger: &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		},
	}, nil
}

// log writes a log entry as a single JSON line.
func (fl *FileLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Source:    source,
		Fields:    fields,
	}
	if jobID, ok := fields["job_id"]; ok {
		entry.JobID = fmt.Sprintf("%v", jobID)
	}
	if instanceID, ok := fields["instance_id"].(string); ok {
		entry.InstanceID = instanceID
	}
	if err, ok := fields["error"]; ok {
		entry.Error = fmt.Sprintf("%v", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	_, _ = fl.logger.Write(append(data, '\n'))
}

// Close closes the underlying rotating file.
func (fl *FileLogger) Close() error {
	if err := fl.logger.Close(); err != nil {
		return fmt.Errorf("failed to close file logger: %w", err)
	}
	return nil
}

// Rotate triggers manual log rotation, e.g. in response to SIGHUP.
func (fl *FileLogger) Rotate() error {
	return fl.logger.Rotate()
}
