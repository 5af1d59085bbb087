package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger is the Tier 1 backend, on by default: every line the queue
// engine or a job handler logs goes to stdout, either as a JSON object
// (one per line, fit for a log shipper) or as colorized plain text (fit
// for a terminal watching `relayq-worker` run).
//
// Writes are synchronous and mutex-guarded. A job queue's log volume is
// one line per state transition, not a request firehose, so there is no
// async buffering tier here.
type ConsoleLogger struct {
	config *Config
	w      io.Writer
	mu     sync.Mutex

	componentColors map[Component]*color.Color
	levelColors     map[LogLevel]*color.Color
}

// NewConsoleLogger creates the console backend for config.
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	cl := &ConsoleLogger{
		config: config,
		w:      os.Stdout,
		levelColors: map[LogLevel]*color.Color{
			LevelDebug: color.New(color.FgCyan),
			LevelInfo:  color.New(color.FgGreen),
			LevelWarn:  color.New(color.FgYellow),
			LevelError: color.New(color.FgRed, color.Bold),
		},
		componentColors: map[Component]*color.Color{
			ComponentProducer:        color.New(color.FgMagenta),
			ComponentWorker:          color.New(color.FgBlue),
			ComponentStallSupervisor: color.New(color.FgHiYellow),
			ComponentEventBus:        color.New(color.FgHiCyan),
			ComponentEngine:          color.New(color.FgWhite),
			ComponentLogger:          color.New(color.FgHiBlack),
		},
	}

	return cl, nil
}

// log writes a single entry to stdout in the configured format.
func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
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

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.config.Format == FormatJSON {
		data, err := json.Marshal(entry)
		if err != nil {
			return
		}
		_, _ = cl.w.Write(append(data, '\n'))
		return
	}

	_, _ = cl.w.Write(cl.renderText(entry))
}

// renderText formats entry as a single colorized line: a timestamp, a
// color-coded level, the component in its own color (so a supervisor's
// stall sweeps visually separate from a worker's per-job lines), the
// message, and any remaining fields sorted by key for stable output.
func (cl *ConsoleLogger) renderText(entry *LogEntry) []byte {
	var buf []byte
	buf = append(buf, entry.Timestamp...)
	buf = append(buf, ' ')

	levelStr := string(entry.Level)
	if cl.config.Console.Color {
		if c, ok := cl.levelColors[entry.Level]; ok {
			levelStr = c.Sprintf("%-5s", string(entry.Level))
		}
	} else {
		levelStr = fmt.Sprintf("%-5s", string(entry.Level))
	}
	buf = append(buf, levelStr...)
	buf = append(buf, ' ')

	if entry.Component != "" {
		compStr := fmt.Sprintf("[%s]", entry.Component)
		if cl.config.Console.Color {
			if c, ok := cl.componentColors[entry.Component]; ok {
				compStr = c.Sprint(compStr)
			}
		}
		buf = append(buf, compStr...)
		buf = append(buf, ' ')
	}

	buf = append(buf, entry.Message...)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = append(buf, fmt.Sprintf(" %s=%v", k, entry.Fields[k])...)
	}

	buf = append(buf, '\n')
	return buf
}

// Close is a no-op: writes are synchronous, so there is nothing buffered
// to flush.
func (cl *ConsoleLogger) Close() error {
	return nil
}
