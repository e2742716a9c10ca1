// Package circuitbreaker fails calls fast after repeated failures.
//
// A breaker starts closed. When ReadyToTrip reports true it opens and every
// call fails with ErrOpen until OpenTimeout passes; it then lets up to
// MaxHalfOpen probes through and closes on the first success.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name        string
	MaxHalfOpen uint32        // probes allowed while half-open (default 1)
	Interval    time.Duration // closed-state count reset period, 0 never resets
	OpenTimeout time.Duration // default 30s
	ReadyToTrip func(counts Counts) bool
	// IsFailure decides which errors count against the breaker, default
	// every non-nil error. Errors after the caller's context is done never count.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

type Counts struct {
	Requests             uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// ConsecutiveFailures returns a ReadyToTrip that opens after n failures in a row.
func ConsecutiveFailures(n uint32) func(Counts) bool {
	return func(c Counts) bool { return c.ConsecutiveFailures >= n }
}

type Breaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(st Settings) *Breaker {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.MaxHalfOpen == 0 {
		st.MaxHalfOpen = 1
	}
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = 30 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = ConsecutiveFailures(5)
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}
	b := &Breaker{settings: st}
	b.newGeneration(time.Now())
	return b
}

func (b *Breaker) Name() string { return b.settings.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(time.Now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn unless the breaker is open. The error of fn is returned as is.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			b.after(generation, true)
			panic(e)
		}
	}()

	err = fn(ctx)
	if ctx.Err() != nil {
		// Says nothing about the endpoint; give back the slot unrecorded.
		b.abandon(generation)
		return err
	}
	b.after(generation, b.settings.IsFailure(err))
	return err
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, time.Now())
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.current(time.Now())
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.MaxHalfOpen:
		return generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(before uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.current(now)
	if generation != before {
		return
	}

	if !failed {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	if state == StateHalfOpen || b.settings.ReadyToTrip(b.counts) {
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) abandon(before uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, generation := b.current(time.Now()); generation == before && b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		b.newGeneration(now)
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		if b.settings.Interval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}
