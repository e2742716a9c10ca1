package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial tcp: connection refused")

func fail(context.Context) error    { return errDial }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Settings{Name: "db1:5432", ReadyToTrip: ConsecutiveFailures(3), OpenTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Do(ctx, fail), errDial)
	}
	assert.Equal(t, StateClosed, b.State())

	require.ErrorIs(t, b.Do(ctx, fail), errDial)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not dial")
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Settings{ReadyToTrip: ConsecutiveFailures(2)})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, succeed))
	_ = b.Do(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestHalfOpenProbe(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	b := New(Settings{
		ReadyToTrip: ConsecutiveFailures(1),
		OpenTimeout: 20 * time.Millisecond,
		OnStateChange: func(_ string, _, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// A failed probe reopens immediately.
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b := New(Settings{ReadyToTrip: ConsecutiveFailures(1), OpenTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	require.ErrorIs(t, b.Do(ctx, succeed), ErrTooManyRequests)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestContextCancellationIsNotAFailure(t *testing.T) {
	b := New(Settings{ReadyToTrip: ConsecutiveFailures(1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestCancelledProbeKeepsHalfOpen(t *testing.T) {
	b := New(Settings{ReadyToTrip: ConsecutiveFailures(1), OpenTimeout: 10 * time.Millisecond})
	_ = b.Do(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Do(ctx, func(context.Context) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State(), "a cancelled probe proves nothing about the endpoint")
	assert.Zero(t, b.Counts().Requests, "the probe slot is released")

	_ = b.Do(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestReset(t *testing.T) {
	b := New(Settings{ReadyToTrip: ConsecutiveFailures(1), OpenTimeout: time.Hour})
	_ = b.Do(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Do(context.Background(), succeed))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
