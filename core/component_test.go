package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestComponentInitializeMovesToRunning(t *testing.T) {
	c := newComponent("test")

	if state := c.State(); state != StateInitializing {
		t.Fatalf("expected new component in %q, got %q", StateInitializing, state)
	}
	if err := c.initialize(nil); err != nil {
		t.Fatalf("expected initialize to succeed, got %v", err)
	}
	if state := c.State(); state != StateRunning {
		t.Fatalf("expected %q after initialize, got %q", StateRunning, state)
	}
}

func TestComponentInitializeFailsOutsideInitializing(t *testing.T) {
	c := newComponent("test")
	if err := c.initialize(nil); err != nil {
		t.Fatalf("first initialize failed: %v", err)
	}

	err := c.initialize(nil)
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitializationError, got %v", err)
	}
}

func TestComponentInitializeSetupFailureMovesToError(t *testing.T) {
	c := newComponent("test")

	err := c.initialize(func() error { return fmt.Errorf("no device") })
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitializationError, got %v", err)
	}
	if state := c.State(); state != StateError {
		t.Fatalf("expected %q after failed setup, got %q", StateError, state)
	}
}

func TestComponentRunRequiresRunningState(t *testing.T) {
	c := newComponent("test")

	err := c.run(context.Background(), func(context.Context) error { return nil })
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitializationError from run before initialize, got %v", err)
	}
}

func TestComponentShutdownWaitsForLoopExit(t *testing.T) {
	c := newComponent("test")
	if err := c.initialize(nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.run(context.Background(), func(context.Context) error {
			<-c.stop
			return nil
		})
	}()

	if err := c.shutdown(time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	// Idempotent: a second call returns immediately.
	if err := c.shutdown(time.Second); err != nil {
		t.Fatalf("expected repeated shutdown to succeed, got %v", err)
	}

	select {
	case err := <-loopDone:
		if err != nil {
			t.Fatalf("expected loop to exit cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}

	if state := c.State(); state != StateShutdown {
		t.Fatalf("expected %q after shutdown, got %q", StateShutdown, state)
	}
}

func TestComponentShutdownTimesOutOnStuckLoop(t *testing.T) {
	c := newComponent("test")
	if err := c.initialize(nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	release := make(chan struct{})
	go func() {
		_ = c.run(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	defer close(release)

	err := c.shutdown(20 * time.Millisecond)
	var shutdownErr *ShutdownError
	if !errors.As(err, &shutdownErr) {
		t.Fatalf("expected *ShutdownError on stuck loop, got %v", err)
	}
}

func TestComponentPauseResumeOnlyAffectRunning(t *testing.T) {
	c := newComponent("test")

	c.pause()
	if state := c.State(); state != StateInitializing {
		t.Fatalf("expected pause to be a no-op before initialize, got %q", state)
	}

	if err := c.initialize(nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	c.pause()
	if state := c.State(); state != StatePaused {
		t.Fatalf("expected %q after pause, got %q", StatePaused, state)
	}

	c.resume()
	if state := c.State(); state != StateRunning {
		t.Fatalf("expected %q after resume, got %q", StateRunning, state)
	}

	c.resume()
	if state := c.State(); state != StateRunning {
		t.Fatalf("expected resume on running component to be a no-op, got %q", state)
	}
}

func TestComponentHealthTracksStateAndActivity(t *testing.T) {
	c := newComponent("test")
	if c.Healthy() {
		t.Fatal("expected uninitialized component to be unhealthy")
	}

	if err := c.initialize(nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if !c.Healthy() {
		t.Fatal("expected freshly initialized component to be healthy")
	}

	c.mu.Lock()
	c.metrics.LastActivity = time.Now().Add(-healthWindow - time.Second)
	c.mu.Unlock()
	if c.Healthy() {
		t.Fatal("expected stale component to be unhealthy")
	}

	c.markActivity()
	if !c.Healthy() {
		t.Fatal("expected activity to restore health")
	}
}

func TestComponentMetricsAreCopies(t *testing.T) {
	c := newComponent("test")
	if err := c.initialize(nil); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	c.markProcessed()
	c.markError()

	metrics := c.Metrics()
	if metrics.ProcessedCount != 1 || metrics.ErrorCount != 1 {
		t.Fatalf("expected counters 1/1, got %d/%d", metrics.ProcessedCount, metrics.ErrorCount)
	}

	metrics.ProcessedCount = 99
	if got := c.Metrics().ProcessedCount; got != 1 {
		t.Fatalf("expected metrics to be copied out, got %d after external mutation", got)
	}
}
