// Package logger provides structured logging for tenantdb.
//
// It wraps the standard library slog with a process-wide logger that is
// configured once at startup from the [logging] configuration section:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
// Components log through the package-level helpers and tag their lines
// with a "component" key:
//
//	logger.Info("Pool created", "component", "REGISTRY", "pool_id", 7)
//	logger.Warn("Replica behind master", "component", "ROUTER", "tenant_id", 42)
//
// Supported outputs are "stderr" (default), "stdout" or a file path; formats
// are "console" (default) and "json"; levels are debug, info, warn and error.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/migadu/tenantdb/config"
)

var globalLogger atomic.Pointer[slog.Logger]

// levelVar lets the reload coordinator change the level of a running process.
var levelVar slog.LevelVar

// Initialize sets up the global logger based on configuration. The returned
// file is non-nil when logging goes to a file and must be closed by the caller.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	var (
		logFile *os.File
		out     io.Writer
	)

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	switch output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			out = os.Stderr
		} else {
			logFile = f
			out = f
		}
	}

	levelVar.Set(ParseLevel(cfg.Level))
	handlerOpts := &slog.HandlerOptions{Level: &levelVar}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	l := slog.New(handler)
	globalLogger.Store(l)
	slog.SetDefault(l)

	return logFile, nil
}

// SetLevel changes the level of the running logger.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

// ParseLevel converts a string log level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	Get().DebugContext(ctx, msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Fatal logs an error message and exits
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func Debugf(format string, args ...any) {
	Get().Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	Get().Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
}

// Fatalf logs a formatted error message and exits
func Fatalf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
