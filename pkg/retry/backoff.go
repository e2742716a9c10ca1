// Package retry runs operations with exponential backoff and jitter.
//
//	err := retry.Do(ctx, retry.DefaultBackoffConfig(), "connect control database", func(ctx context.Context) error {
//		return database.Ping(ctx, true)
//	})
//
// Returning retry.Stop(err) from the operation ends the loop at once.
// Errors that consts.Classify marks as configuration errors are never
// retried: an unknown pool stays unknown however long we wait.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/migadu/tenantdb/consts"
	"github.com/migadu/tenantdb/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int // retries after the first attempt
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      8,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return c.jitter(c.InitialInterval)
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	return c.jitter(time.Duration(interval))
}

// jitter keeps the delay within [d/2, d).
func (c BackoffConfig) jitter(d time.Duration) time.Duration {
	if !c.Jitter || d < 2 {
		return d
	}
	return d/2 + rand.N(d/2)
}

// StopError ends a retry loop with the wrapped error.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Do runs fn until it succeeds, the retries are used up, ctx ends or fn
// fails permanently.
func Do(ctx context.Context, cfg BackoffConfig, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt)
			logger.Warn("Operation failed, retrying", "component", "RETRY", "operation", op,
				"attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: retry cancelled: %w", op, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		if consts.Classify(err) == consts.KindConfiguration {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}
