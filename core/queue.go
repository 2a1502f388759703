package pipeline

import (
	"sync"
	"time"
)

// defaultPollInterval bounds how long a stage blocks on its input queue
// before re-checking the shared shutdown and interruption signals. Barge-in
// and shutdown therefore propagate within one interval.
const defaultPollInterval = 50 * time.Millisecond

// queue is a bounded FIFO connecting two stages. One producer side and one
// consumer side; Put never blocks, a full queue drops its oldest item to stay
// live.
type queue[T any] struct {
	mu           sync.Mutex
	items        []T
	capacity     int
	dropped      uint64
	updateSignal chan struct{}
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		capacity:     capacity,
		updateSignal: make(chan struct{}, 1),
	}
}

func (q *queue[T]) Put(item T) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signalUpdate()
}

// Get returns the oldest queued item, waiting up to timeout for one to
// arrive. The second return is false on timeout.
func (q *queue[T]) Get(timeout time.Duration) (T, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.updateSignal:
		case <-deadline.C:
			var zero T
			return zero, false
		}
	}
}

func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were discarded because the queue was full.
func (q *queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *queue[T]) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
