package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func failing(context.Context) (string, error) { return "", errBoom }
func succeeding(context.Context) (string, error) { return "ok", nil }

func newTestBreaker(clock *fakeClock) *Breaker[string] {
	return New[string](
		WithFailureThreshold(3),
		WithSuccessThreshold(2),
		WithRecoveryTimeout(10*time.Second),
		WithClock(clock.Now),
	)
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		_, err := b.Do(context.Background(), failing)
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateClosed, b.State())
	}

	_, err := b.Do(context.Background(), failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenFailsFastWithoutInvoking(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = b.Do(context.Background(), failing)
	}

	invoked := false
	_, err := b.Do(context.Background(), func(context.Context) (string, error) {
		invoked = true
		return "ok", nil
	})

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, invoked, "operation must not run while open")
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = b.Do(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = b.Do(context.Background(), failing)
	}
	clock.Advance(10 * time.Second)

	_, err := b.Do(context.Background(), succeeding)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Do(context.Background(), succeeding)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnSingleFailure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = b.Do(context.Background(), failing)
	}
	clock.Advance(10 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Do(context.Background(), failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestSuccessResetsClosedFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	_, _ = b.Do(context.Background(), failing)
	_, _ = b.Do(context.Background(), failing)
	_, err := b.Do(context.Background(), succeeding)
	require.NoError(t, err)

	// Two more failures should not reach the threshold of three.
	_, _ = b.Do(context.Background(), failing)
	_, _ = b.Do(context.Background(), failing)
	assert.Equal(t, StateClosed, b.State())
}

func TestResetForcesClosed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = b.Do(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	result, err := b.Do(context.Background(), succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestConcurrentCallsDoNotRace(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if fail {
					_, _ = b.Do(context.Background(), failing)
				} else {
					_, _ = b.Do(context.Background(), succeeding)
				}
			}
		}(i%2 == 0)
	}
	wg.Wait()

	// State must be a legal value after the dust settles.
	state := b.State()
	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, state)
}
