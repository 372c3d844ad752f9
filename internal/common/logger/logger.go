package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// Logger interface defines the logging methods
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	With(fields ...interface{}) Logger
	// Flush waits up to timeout for alerts still being delivered and
	// reports whether all of them finished.
	Flush(timeout time.Duration) bool
}

// Alerter receives error and fatal log lines, e.g. a Discord webhook client.
type Alerter interface {
	SendLogMessage(level, message string, fields map[string]interface{}) error
}

type loggerImpl struct {
	zl      zerolog.Logger
	alerter Alerter
	context map[string]interface{}
	pending *sync.WaitGroup
}

// Config holds configuration for the logger
type Config struct {
	Level      string
	Console    bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Alerter    Alerter
}

// DefaultConfig mirrors the values used by the ingest service.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		FilePath:   "rt-transit.log",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// New creates a new logger instance with the given writers
func New(writers ...io.Writer) Logger {
	var out []io.Writer
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		out = append(out, io.Discard)
	}
	zl := zerolog.New(io.MultiWriter(out...)).With().Timestamp().Logger()
	return &loggerImpl{zl: zl, pending: &sync.WaitGroup{}}
}

// NewWithConfig builds a leveled logger writing to the console and a rotated file.
func NewWithConfig(cfg Config) Logger {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, ConsoleWriter())
	}
	if cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	l := New(writers...).(*loggerImpl)
	l.zl = l.zl.Level(ParseLevel(cfg.Level))
	l.alerter = cfg.Alerter
	return l
}

// ConsoleWriter returns a console writer
func ConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// FileWriter returns a file writer with rotation
func FileWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds the key/value pairs to every event.
func (l *loggerImpl) With(fields ...interface{}) Logger {
	ctx := l.zl.With()
	merged := make(map[string]interface{}, len(l.context)+len(fields)/2)
	for k, v := range l.context {
		merged[k] = v
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, fields[i+1])
		merged[key] = fields[i+1]
	}
	return &loggerImpl{zl: ctx.Logger(), alerter: l.alerter, context: merged, pending: l.pending}
}

// Info logs an info message
func (l *loggerImpl) Info(msg string, fields ...interface{}) {
	logWithFields(l.zl.Info(), msg, fields...)
}

// Warn logs a warning message
func (l *loggerImpl) Warn(msg string, fields ...interface{}) {
	logWithFields(l.zl.Warn(), msg, fields...)
}

// Error logs an error message
func (l *loggerImpl) Error(msg string, fields ...interface{}) {
	if l.alerter != nil && l.zl.GetLevel() <= zerolog.ErrorLevel {
		payload := l.alertFields(fields...)
		l.pending.Add(1)
		go func() {
			defer l.pending.Done()
			l.alert("ERROR", msg, payload)
		}()
	}
	logWithFields(l.zl.Error(), msg, fields...)
}

// Debug logs a debug message
func (l *loggerImpl) Debug(msg string, fields ...interface{}) {
	logWithFields(l.zl.Debug(), msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *loggerImpl) Fatal(msg string, fields ...interface{}) {
	if l.alerter != nil {
		// the process exits right after, so deliver synchronously
		l.alert("FATAL", msg, l.alertFields(fields...))
	}
	logWithFields(l.zl.Fatal(), msg, fields...)
}

// Flush is shared by a logger and every child created with With.
func (l *loggerImpl) Flush(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *loggerImpl) alert(level, msg string, fields map[string]interface{}) {
	if err := l.alerter.SendLogMessage(level, msg, fields); err != nil {
		l.zl.Warn().Err(err).Msg("Failed to deliver log alert")
	}
}

func (l *loggerImpl) alertFields(fields ...interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(l.context)+len(fields)/2)
	for k, v := range l.context {
		out[k] = v
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok && err != nil {
			out[key] = err.Error()
			continue
		}
		out[key] = fmt.Sprintf("%v", fields[i+1])
	}
	return out
}

// logWithFields adds structured fields to the event
func logWithFields(event *zerolog.Event, msg string, fields ...interface{}) {
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			event.Fields(m).Msg(msg)
			return
		}
	}
	// fallback: treat as key-value pairs
	if len(fields)%2 == 0 {
		for i := 0; i < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			// Special handling for error types
			if key == "error" {
				if err, ok := fields[i+1].(error); ok && err != nil {
					event = event.Err(err)
				} else {
					event = event.Interface(key, fields[i+1])
				}
			} else {
				event = event.Interface(key, fields[i+1])
			}
		}
	}
	event.Msg(msg)
}
