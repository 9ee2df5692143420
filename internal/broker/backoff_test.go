package broker

import (
	"testing"
	"time"
)

func TestBackoffFirstLoss(t *testing.T) {
	b := DefaultBackoff()
	s, delay := b.Next(Status{State: StateConnected}, EventDown)
	if s.State != StateRetrying || s.Attempt != 1 {
		t.Fatalf("expected retrying(1), got %s(%d)", s.State, s.Attempt)
	}
	if delay != b.InitialDelay {
		t.Errorf("expected initial delay %v, got %v", b.InitialDelay, delay)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{MaxAttempts: 20, InitialDelay: time.Second, Multiplier: 2.0, MaxDelay: 8 * time.Second}

	s := Status{State: StateConnected}
	var delays []time.Duration
	for i := 0; i < 6; i++ {
		var d time.Duration
		s, d = b.Next(s, EventDown)
		delays = append(delays, d)
	}

	want := []time.Duration{1, 2, 4, 8, 8, 8}
	for i, w := range want {
		if delays[i] != w*time.Second {
			t.Errorf("attempt %d: expected %vs, got %v", i+1, w, delays[i])
		}
	}
}

func TestBackoffExhaustionIsTerminal(t *testing.T) {
	b := Backoff{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}

	s := Status{State: StateConnected}
	s, _ = b.Next(s, EventDown) // retrying(1)
	s, _ = b.Next(s, EventDown) // retrying(2)
	s, _ = b.Next(s, EventDown)
	if s.State != StateFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", s.State)
	}

	// Further losses stay failed.
	s, _ = b.Next(s, EventDown)
	if s.State != StateFailed {
		t.Errorf("expected failed to be sticky, got %s", s.State)
	}
}

func TestBackoffUpResetsFromAnyState(t *testing.T) {
	b := DefaultBackoff()
	for _, from := range []Status{
		{State: StateConnected},
		{State: StateRetrying, Attempt: 5},
		{State: StateFailed, Attempt: 10},
	} {
		s, delay := b.Next(from, EventUp)
		if s.State != StateConnected || s.Attempt != 0 {
			t.Errorf("from %s(%d): expected connected(0), got %s(%d)", from.State, from.Attempt, s.State, s.Attempt)
		}
		if delay != 0 {
			t.Errorf("from %s: expected zero delay, got %v", from.State, delay)
		}
	}
}
