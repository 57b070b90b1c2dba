// Package sqlite3 is a Go binding over the embedded SQLite engine. It exposes
// the low-level database handle (open/close, callbacks, SQL functions, backup)
// plus a database/sql driver registered as "sqlite3go".
package sqlite3

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type LogLevel int32

const (
	LOG_LEVEL_ERROR LogLevel = 1
	LOG_LEVEL_WARN  LogLevel = 2
	LOG_LEVEL_INFO  LogLevel = 3
	LOG_LEVEL_DEBUG LogLevel = 4
	LOG_LEVEL_TRACE LogLevel = 5
)

// LogEntry is a single diagnostic event emitted by the package.
type LogEntry struct {
	Message string
	Target  string
	Time    time.Time
	Level   LogLevel
}

// Logger callback signature
type Logger func(entry LogEntry)

type Config struct {
	// Logger is an optional callback to receive log events from the package.
	// All fields in LogEntry are copied and safe to use beyond the callback return.
	Logger   Logger
	LogLevel string
}

// package logger state, guarded; Setup may be called more than once
var logState = struct {
	mu     sync.RWMutex
	logger Logger
	level  LogLevel
}{level: LOG_LEVEL_INFO}

// Setup configures global package behavior (logger and log level).
// The package never writes to stderr on its own: without a configured
// logger every diagnostic is dropped.
func Setup(config Config) error {
	level := LOG_LEVEL_INFO
	if config.LogLevel != "" {
		parsed, err := parseLogLevel(config.LogLevel)
		if err != nil {
			return err
		}
		level = parsed
	}
	logState.mu.Lock()
	logState.logger = config.Logger
	logState.level = level
	logState.mu.Unlock()
	return nil
}

func parseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "error":
		return LOG_LEVEL_ERROR, nil
	case "warn":
		return LOG_LEVEL_WARN, nil
	case "info":
		return LOG_LEVEL_INFO, nil
	case "debug":
		return LOG_LEVEL_DEBUG, nil
	case "trace":
		return LOG_LEVEL_TRACE, nil
	default:
		return 0, fmt.Errorf("sqlite3: unknown log level %q", s)
	}
}

// logf emits one entry through the configured logger when level passes the
// filter. Used by paths with no error return of their own (finalizer,
// driver teardown, backup cleanup).
func logf(level LogLevel, target string, format string, args ...any) {
	logState.mu.RLock()
	logger := logState.logger
	max := logState.level
	logState.mu.RUnlock()
	if logger == nil || level > max {
		return
	}
	logger(LogEntry{
		Message: fmt.Sprintf(format, args...),
		Target:  target,
		Time:    time.Now(),
		Level:   level,
	})
}
