// Package breaker provides a failure-isolation wrapper for calls to
// unreliable external dependencies. One breaker guards one dependency and is
// safe to share between concurrent callers.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

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

// OpenError is returned by Do without invoking the operation while the
// circuit is open. RetryAfter is the remaining cooldown.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open: retry after %s", e.RetryAfter)
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultRecoveryTimeout  = 30 * time.Second
)

type Breaker[T any] struct {
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

type Option func(*config)

type config struct {
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(threshold int) Option {
	return func(c *config) { c.failureThreshold = threshold }
}

// WithSuccessThreshold sets how many consecutive half-open successes close
// the circuit again.
func WithSuccessThreshold(threshold int) Option {
	return func(c *config) { c.successThreshold = threshold }
}

// WithRecoveryTimeout sets the cooldown before an open circuit lets a probe
// call through.
func WithRecoveryTimeout(timeout time.Duration) Option {
	return func(c *config) { c.recoveryTimeout = timeout }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func New[T any](opts ...Option) *Breaker[T] {
	cfg := config{
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Breaker[T]{
		failureThreshold: cfg.failureThreshold,
		successThreshold: cfg.successThreshold,
		recoveryTimeout:  cfg.recoveryTimeout,
		now:              cfg.now,
	}
}

// Do invokes operation unless the circuit is open. An open circuit fails fast
// with *OpenError; operation errors are passed through after being recorded.
func (b *Breaker[T]) Do(ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := b.admit(); err != nil {
		return zero, err
	}

	result, err := operation(ctx)
	if err != nil {
		b.recordFailure()
		return zero, err
	}

	b.recordSuccess()
	return result, nil
}

// State returns the current state, transitioning OPEN to HALF_OPEN lazily
// once the recovery timeout has elapsed. There is no background timer.
func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker[T]) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.recoveryTimeout {
		b.state = StateHalfOpen
		b.successCount = 0
	}
	return b.state
}

// Reset forces the circuit closed and clears all counters.
func (b *Breaker[T]) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.mu.Unlock()
}

func (b *Breaker[T]) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked() == StateOpen {
		return &OpenError{RetryAfter: b.recoveryTimeout - b.now().Sub(b.lastFailureTime)}
	}
	return nil
}

func (b *Breaker[T]) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *Breaker[T]) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.stateLocked() {
	case StateHalfOpen:
		// Any failure while probing re-opens immediately.
		b.state = StateOpen
		b.successCount = 0
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
		}
	}
}
