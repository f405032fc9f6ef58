package stage

import (
	"testing"
	"time"
)

func TestStatusGate_AwaitBlocksUntilSet(t *testing.T) {
	g := newStatusGate()
	done := make(chan int32, 1)

	go func() { done <- g.await() }()

	select {
	case <-done:
		t.Fatal("await returned before set was called")
	case <-time.After(20 * time.Millisecond):
	}

	g.set(statusStarted)

	select {
	case got := <-done:
		if got != statusStarted {
			t.Fatalf("got %d, want statusStarted", got)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not unblock after set")
	}
}

func TestStatusGate_MultipleWaiters(t *testing.T) {
	g := newStatusGate()
	results := make(chan int32, 4)
	for i := 0; i < 4; i++ {
		go func() { results <- g.await() }()
	}
	time.Sleep(10 * time.Millisecond)
	g.set(statusFailed)

	for i := 0; i < 4; i++ {
		select {
		case got := <-results:
			if got != statusFailed {
				t.Fatalf("got %d, want statusFailed", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a waiter to unblock")
		}
	}
}
