package breaker

import (
	"testing"
	"time"
)

func TestClosedTripsAtThreshold(t *testing.T) {
	now := time.Now()
	b := New(Options{FailureThreshold: 3, Now: func() time.Time { return now }})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != Closed {
			t.Fatalf("expected still closed after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after reaching threshold, got %s", b.State())
	}
	if b.IsAvailable() {
		t.Error("breaker should not be available while open")
	}
}

func TestClosedSuccessDecrementsRatherThanResets(t *testing.T) {
	now := time.Now()
	b := New(Options{FailureThreshold: 5, Now: func() time.Time { return now }})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	if got := b.FailureCount(); got != 3 {
		t.Fatalf("expected failure count 3, got %d", got)
	}

	b.RecordSuccess()
	if got := b.FailureCount(); got != 2 {
		t.Fatalf("expected a single success to decrement failure count by one, got %d", got)
	}
}

func TestOpenTransitionsToHalfOpenAfterDuration(t *testing.T) {
	now := time.Now()
	b := New(Options{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, Now: func() time.Time { return now }})

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(20 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("expected half_open after open duration elapsed, got %s", b.State())
	}
}

func TestHalfOpenFailureReturnsToOpenImmediately(t *testing.T) {
	now := time.Now()
	b := New(Options{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenSuccess: 3, Now: func() time.Time { return now }})

	b.RecordFailure()
	now = now.Add(20 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("a single half-open failure should reopen the breaker, got %s", b.State())
	}
}

func TestHalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	now := time.Now()
	b := New(Options{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenSuccess: 2, Now: func() time.Time { return now }})

	b.RecordFailure()
	now = now.Add(20 * time.Millisecond)
	b.State() // trigger the transition

	b.RecordSuccess()
	if b.State() != HalfOpen {
		t.Fatalf("expected to remain half_open after one success, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("expected closed after enough half-open successes, got %s", b.State())
	}
	if b.FailureCount() != 0 {
		t.Error("closing the breaker should reset the failure count")
	}
}
