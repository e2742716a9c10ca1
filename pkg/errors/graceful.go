// Package errors funnels startup and runtime failures of the daemon into
// a single exit code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
)

const (
	ExitFatal  = 1
	ExitConfig = 2
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error { return g.Err }

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler keeps the first exit code reported to it.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) report(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// FatalError logs err and requests an exit. Configuration errors, such as
// a pool id missing from the control database, exit with ExitConfig.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	gracefulErr := NewGracefulError(operation, err)
	kind := consts.Classify(err)
	logger.Error("Fatal error", "component", "DAEMON", "operation", operation, "kind", kind, "error", gracefulErr)
	if kind == consts.KindConfiguration {
		eh.report(ExitConfig)
		return
	}
	eh.report(ExitFatal)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		logger.Error("Configuration file not found", "component", "DAEMON", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to load configuration file", "component", "DAEMON", "path", configPath, "error", err)
	}
	eh.report(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "component", "DAEMON", "field", field, "error", err)
	eh.report(ExitConfig)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-timer.C:
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated", "component", "DAEMON")
	default:
		logger.Warn("Unexpected shutdown", "component", "DAEMON")
	}
}
