// Package logger wraps log/slog to provide consistent logging across the
// bridge. The driver's frame-level debug tracing goes through the Debug
// level, enabled by the driver debug flag in configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a thin wrapper around slog.Logger.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stdout", "stderr", "file"
	File   string // path to log file when Output is "file"
}

var globalLogger *Logger

// New creates a new Logger instance.
func New(config Config) *Logger {
	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var writer io.Writer = os.Stdout
	switch config.Output {
	case "stderr":
		writer = os.Stderr
	case "file":
		if config.File != "" {
			f, err := os.OpenFile(config.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err == nil {
				writer = f
			} else {
				fmt.Fprintf(os.Stderr, "logger: cannot open %s, falling back to stdout: %v\n", config.File, err)
			}
		}
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	l := &Logger{Logger: slog.New(handler)}

	if globalLogger == nil {
		globalLogger = l
	}
	return l
}

// With returns a Logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Global returns the global logger instance.
func Global() *Logger {
	if globalLogger == nil {
		return New(Config{Level: "info", Format: "text"})
	}
	return globalLogger
}

// SetGlobal sets the global logger instance.
func SetGlobal(l *Logger) {
	globalLogger = l
}
