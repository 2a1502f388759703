package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ComponentState is the lifecycle state of a pipeline stage or of the engine
// itself.
type ComponentState string

const (
	StateInitializing ComponentState = "initializing"
	StateRunning      ComponentState = "running"
	StatePaused       ComponentState = "paused"
	StateShutdown     ComponentState = "shutdown"
	StateError        ComponentState = "error"
)

// healthWindow is how long a running component may go without activity before
// Healthy reports false.
const healthWindow = 30 * time.Second

// ComponentMetrics is a point-in-time copy of a component's counters.
type ComponentMetrics struct {
	StartedAt      time.Time
	ProcessedCount uint64
	ErrorCount     uint64
	LastActivity   time.Time
}

// InitializationError reports a component that could not be brought into (or
// was used outside of) a runnable state.
type InitializationError struct {
	Component string
	Err       error
}

func (e *InitializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: initialization failed", e.Component)
	}
	return fmt.Sprintf("%s: initialization failed: %v", e.Component, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ShutdownError reports a component whose teardown did not complete cleanly.
type ShutdownError struct {
	Component string
	Err       error
}

func (e *ShutdownError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: shutdown failed", e.Component)
	}
	return fmt.Sprintf("%s: shutdown failed: %v", e.Component, e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }

// component carries the lifecycle state machine shared by every stage and the
// engine. All reads and writes go through a single mutex; metrics leave only
// as copies.
type component struct {
	name string

	mu      sync.Mutex
	state   ComponentState
	metrics ComponentMetrics

	stopOnce sync.Once
	// stop is the cancellation signal observed by the component's loop.
	stop chan struct{}
	// done is closed when the component's loop has exited.
	done chan struct{}
}

func newComponent(name string) *component {
	return &component{
		name:  name,
		state: StateInitializing,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *component) Name() string { return c.name }

// initialize runs the component-specific setup and moves the component to
// RUNNING. Calling it outside INITIALIZING fails.
func (c *component) initialize(setup func() error) error {
	c.mu.Lock()
	if c.state != StateInitializing {
		state := c.state
		c.mu.Unlock()
		return &InitializationError{Component: c.name, Err: fmt.Errorf("unexpected state %q", state)}
	}
	c.mu.Unlock()

	if setup != nil {
		if err := setup(); err != nil {
			c.setState(StateError)
			return &InitializationError{Component: c.name, Err: err}
		}
	}

	c.mu.Lock()
	c.state = StateRunning
	c.metrics.StartedAt = time.Now()
	c.metrics.LastActivity = c.metrics.StartedAt
	c.mu.Unlock()
	return nil
}

// run executes the component's loop until the stop signal fires or the loop
// returns. It must be called after initialize.
func (c *component) run(ctx context.Context, loop func(context.Context) error) error {
	if state := c.State(); state != StateRunning && state != StatePaused {
		return &InitializationError{Component: c.name, Err: fmt.Errorf("run called in state %q", state)}
	}

	defer close(c.done)

	err := loop(ctx)
	if err != nil {
		c.markError()
		c.setState(StateError)
		return fmt.Errorf("%s stage failed: %w", c.name, err)
	}

	c.mu.Lock()
	if c.state != StateError {
		c.state = StateShutdown
	}
	c.mu.Unlock()
	return nil
}

// shutdown signals the loop to stop and waits for it to exit. It is
// idempotent; concurrent calls all wait on the same exit.
func (c *component) shutdown(timeout time.Duration) error {
	c.stopOnce.Do(func() { close(c.stop) })

	// A component whose loop never started has nothing to wait for.
	if c.State() == StateInitializing {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return &ShutdownError{Component: c.name, Err: fmt.Errorf("loop did not exit within %s", timeout)}
	}
}

// pause suspends processing. Only a RUNNING component can pause.
func (c *component) pause() {
	c.mu.Lock()
	if c.state == StateRunning {
		c.state = StatePaused
	}
	c.mu.Unlock()
}

// resume continues processing. Only a PAUSED component can resume.
func (c *component) resume() {
	c.mu.Lock()
	if c.state == StatePaused {
		c.state = StateRunning
	}
	c.mu.Unlock()
}

func (c *component) State() ComponentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *component) setState(state ComponentState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *component) isPaused() bool { return c.State() == StatePaused }

// Metrics returns a copy of the component's counters.
func (c *component) Metrics() ComponentMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Healthy reports whether the component is live: RUNNING or PAUSED with
// activity inside the health window.
func (c *component) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning && c.state != StatePaused {
		return false
	}
	return time.Since(c.metrics.LastActivity) <= healthWindow
}

func (c *component) markActivity() {
	c.mu.Lock()
	c.metrics.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *component) markProcessed() {
	c.mu.Lock()
	c.metrics.ProcessedCount++
	c.metrics.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *component) markError() {
	c.mu.Lock()
	c.metrics.ErrorCount++
	c.metrics.LastActivity = time.Now()
	c.mu.Unlock()
}

// stopping reports whether the stop signal has fired.
func (c *component) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}
