// Package circuitbreaker pauses a failing periodic task for a cool-down
// period instead of letting it hammer a broken dependency every tick.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Do when the run was not attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config configures a Breaker. Zero values take the defaults noted.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failed runs before opening; 5
	SuccessThreshold int           // successful trial runs before closing; 1
	OpenTimeout      time.Duration // cool-down before a trial run; 30s
	OnStateChange    func(name string, from, to State)
	Now              func() time.Time
}

// Breaker gates runs of one task. While open, runs are refused until
// OpenTimeout has passed since the last failure; then one trial run at a
// time is let through.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	trials   int // successful trial runs while half-open
	inTrial  bool
	openedAt time.Time
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker refuses it, and records the outcome. A run
// that ends because ctx was cancelled counts as neither success nor failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		b.release()
	default:
		b.RecordFailure()
	}
	return err
}

// Allow reports whether a run may start now, without reserving the trial
// slot. Do is the usual entry point.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldownElapsed()
	if b.state == StateOpen {
		return b.openErr()
	}
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldownElapsed()
	switch b.state {
	case StateOpen:
		return b.openErr()
	case StateHalfOpen:
		if b.inTrial {
			return fmt.Errorf("%s: trial run in progress: %w", b.cfg.Name, ErrCircuitOpen)
		}
		b.inTrial = true
	}
	return nil
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.inTrial = false
	b.mu.Unlock()
}

// RecordSuccess records a successful run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inTrial = false
	b.failures = 0
	if b.state != StateHalfOpen {
		return
	}
	b.trials++
	if b.trials >= b.cfg.SuccessThreshold {
		b.transition(StateClosed)
	}
}

// RecordFailure records a failed run.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inTrial = false
	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.trip()
	case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
		b.trip()
	}
}

// GetState returns the current position, moving an expired open breaker to
// half-open first.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldownElapsed()
	return b.state
}

// Caller holds mu.
func (b *Breaker) cooldownElapsed() {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.cfg.Now()
	b.transition(StateOpen)
}

func (b *Breaker) openErr() error {
	retryIn := b.cfg.OpenTimeout - b.cfg.Now().Sub(b.openedAt)
	return fmt.Errorf("%s: retry in %s: %w", b.cfg.Name, retryIn.Round(time.Second), ErrCircuitOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.trials = 0
	b.inTrial = false
	if to == StateClosed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
