// Package logging provides the structured logger used across the sync service.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// sink is shared by a logger and every child derived from it so that
// concurrent writers never interleave lines.
type sink struct {
	mu     sync.Mutex
	output io.Writer
}

// Logger provides structured logging capabilities
type Logger struct {
	level  LogLevel
	format LogFormat
	sink   *sink
	fields map[string]interface{}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Event     string                 `json:"event,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level LogLevel, format LogFormat) *Logger {
	return &Logger{
		level:  level,
		format: format,
		sink:   &sink{output: os.Stdout},
		fields: make(map[string]interface{}),
	}
}

func (l *Logger) derive(extra int) *Logger {
	child := &Logger{
		level:  l.level,
		format: l.format,
		sink:   l.sink,
		fields: make(map[string]interface{}, len(l.fields)+extra),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	return child
}

// WithField returns a child logger carrying an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	child := l.derive(1)
	child.fields[key] = value
	return child
}

// WithFields returns a child logger carrying additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	child := l.derive(len(fields))
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Component tags every line with the emitting component.
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

func (l *Logger) Debug(message string) { l.write(LevelDebug, "", message, nil) }
func (l *Logger) Info(message string)  { l.write(LevelInfo, "", message, nil) }
func (l *Logger) Warn(message string)  { l.write(LevelWarn, "", message, nil) }
func (l *Logger) Error(message string) { l.write(LevelError, "", message, nil) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.write(LevelDebug, "", fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.write(LevelInfo, "", fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.write(LevelWarn, "", fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.write(LevelError, "", fmt.Sprintf(format, args...), nil)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) {
	l.write(LevelFatal, "", message, nil)
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.write(LevelFatal, "", fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Event emits a named structured event at info level. Sync reports and
// provenance tags are published this way so log pipelines can index them
// by name.
func (l *Logger) Event(name string, fields map[string]interface{}) {
	l.write(LevelInfo, name, name, fields)
}

func (l *Logger) write(level LogLevel, event, message string, extra map[string]interface{}) {
	if levelRank[level] < levelRank[l.level] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
		Event:     event,
		Fields:    l.fields,
	}
	if len(extra) > 0 {
		merged := make(map[string]interface{}, len(l.fields)+len(extra))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		entry.Fields = merged
	}

	if levelRank[level] >= levelRank[LevelError] {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	var line string
	if l.format == FormatJSON {
		b, _ := json.Marshal(entry)
		line = string(b)
	} else {
		line = formatText(entry)
	}

	l.sink.mu.Lock()
	fmt.Fprintln(l.sink.output, line)
	l.sink.mu.Unlock()
}

func formatText(entry LogEntry) string {
	out := fmt.Sprintf("[%s] %s: %s", entry.Timestamp, entry.Level, entry.Message)
	if len(entry.Fields) > 0 {
		b, _ := json.Marshal(entry.Fields)
		out += " fields=" + string(b)
	}
	if entry.Caller != "" {
		out += " caller=" + entry.Caller
	}
	return out
}

// SetOutput sets the output writer for the logger and its children
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// InitGlobalLogger initializes the process-wide logger. Binaries call it
// once at startup; library code should prefer FromContext.
func InitGlobalLogger(level LogLevel, format LogFormat) *Logger {
	l := NewLogger(level, format)
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
	return l
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo, FormatJSON)
	}
	return globalLogger
}

type loggerKey struct{}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves a logger from the context
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
			return logger
		}
	}
	return GetGlobalLogger()
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		log.Printf("Unknown log level '%s', defaulting to 'info'", level)
		return LevelInfo
	}
}

// ParseLogFormat parses a string into a LogFormat
func ParseLogFormat(format string) LogFormat {
	switch format {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		log.Printf("Unknown log format '%s', defaulting to 'json'", format)
		return FormatJSON
	}
}
