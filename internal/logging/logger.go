// Package logging provides structured logging for the daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// Level represents a log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) charm() charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Logger provides structured logging to a file, backed by charmbracelet/log.
// Entries are newline-delimited JSON so covend.log stays machine-parseable.
type Logger struct {
	mu       sync.Mutex
	writer   io.WriteCloser
	inner    *charmlog.Logger
	level    Level
	filePath string
}

// New creates a new logger that writes JSON lines to the given file path.
func New(filePath string) (*Logger, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return newWithWriterAndPath(file, filePath), nil
}

// NewWithWriter creates a logger with a custom writer (useful for testing).
func NewWithWriter(w io.WriteCloser) *Logger {
	return newWithWriterAndPath(w, "")
}

func newWithWriterAndPath(w io.WriteCloser, path string) *Logger {
	inner := charmlog.NewWithOptions(w, charmlog.Options{
		Formatter:       charmlog.JSONFormatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           charmlog.InfoLevel,
	})
	return &Logger{
		writer:   w,
		inner:    inner,
		level:    LevelInfo,
		filePath: path,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.inner.SetLevel(level.charm())
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		return l.writer.Close()
	}
	return nil
}

// normalizeKeyvals stringifies non-string keys and surfaces error values as
// strings, since errors don't marshal usefully through charmlog's JSON path.
func normalizeKeyvals(keyvals []any) []any {
	out := make([]any, 0, len(keyvals))
	for i := 0; i < len(keyvals); i += 2 {
		key := keyvals[i]
		if _, ok := key.(string); !ok {
			key = fmt.Sprintf("%v", key)
		}
		out = append(out, key)
		if i+1 < len(keyvals) {
			if err, ok := keyvals[i+1].(error); ok {
				out = append(out, err.Error())
			} else {
				out = append(out, keyvals[i+1])
			}
		} else {
			out = append(out, "")
		}
	}
	return out
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.Debug(msg, normalizeKeyvals(keyvals)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.Info(msg, normalizeKeyvals(keyvals)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.Warn(msg, normalizeKeyvals(keyvals)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, keyvals ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.Error(msg, normalizeKeyvals(keyvals)...)
}

// FilePath returns the path to the log file.
func (l *Logger) FilePath() string {
	return l.filePath
}
