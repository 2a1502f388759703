package pipeline

import (
	"testing"
	"time"
)

func TestQueueIsStrictFIFO(t *testing.T) {
	q := newQueue[int](8)
	for i := range 5 {
		q.Put(i)
	}

	for i := range 5 {
		got, ok := q.Get(10 * time.Millisecond)
		if !ok {
			t.Fatalf("expected item %d, queue timed out", i)
		}
		if got != i {
			t.Fatalf("expected item %d, got %d", i, got)
		}
	}
}

func TestQueueGetTimesOutWhenEmpty(t *testing.T) {
	q := newQueue[int](8)

	start := time.Now()
	_, ok := q.Get(20 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("expected Get to wait out the timeout, returned after %s", elapsed)
	}
}

func TestQueueGetUnblocksOnPut(t *testing.T) {
	q := newQueue[string](8)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Put("hello")
	}()

	got, ok := q.Get(time.Second)
	if !ok {
		t.Fatal("expected Put to unblock Get before the timeout")
	}
	if got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := newQueue[int](2)
	q.Put(1)
	q.Put(2)
	q.Put(3)

	if dropped := q.Dropped(); dropped != 1 {
		t.Fatalf("expected one dropped item, got %d", dropped)
	}

	got, ok := q.Get(10 * time.Millisecond)
	if !ok || got != 2 {
		t.Fatalf("expected oldest surviving item 2, got %d (ok=%t)", got, ok)
	}
}
