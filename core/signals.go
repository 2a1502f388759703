package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// signals is the side channel shared by all stages: whether a turn is in
// flight, whether the assistant is audible, and whether the engine is
// shutting down. Stages never call each other; they communicate through the
// queues and through this struct.
type signals struct {
	// processing marks a turn in flight, from dispatch until its sentinel is
	// observed by the player or the turn is interrupted.
	processing atomic.Bool
	// speaking marks audible assistant playback. Voiced input while speaking
	// is a barge-in.
	speaking atomic.Bool

	shutdownOnce sync.Once
	shutdown     chan struct{}

	mu        sync.Mutex
	turnID    uuid.UUID
	cancelled bool
}

func newSignals() *signals {
	return &signals{shutdown: make(chan struct{})}
}

// beginTurn starts a new turn: fresh ID, cancellation cleared, processing
// set. Items flowing through the pipeline carry the returned ID so stale work
// from an interrupted turn can be recognized and dropped.
func (s *signals) beginTurn() uuid.UUID {
	s.mu.Lock()
	s.turnID = uuid.New()
	s.cancelled = false
	id := s.turnID
	s.mu.Unlock()

	s.processing.Store(true)
	return id
}

// cancelTurn interrupts the turn in flight. It reports whether there was one
// to cancel.
func (s *signals) cancelTurn() bool {
	if !s.processing.CompareAndSwap(true, false) {
		return false
	}

	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	return true
}

// endTurn clears processing once the given turn's sentinel has been observed.
// Stale IDs are ignored.
func (s *signals) endTurn(id uuid.UUID) {
	s.mu.Lock()
	current := s.turnID == id
	s.mu.Unlock()

	if current {
		s.processing.Store(false)
	}
}

// turnCancelled reports whether work tagged with id should be abandoned:
// either the turn was interrupted or a newer turn has started.
func (s *signals) turnCancelled(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnID != id || s.cancelled
}

func (s *signals) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *signals) isShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}
