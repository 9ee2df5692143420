package broker

import (
	"math"
	"time"
)

// ConnState is the reconnect machine's state.
type ConnState string

const (
	// StateConnected means the broker link is up.
	StateConnected ConnState = "connected"
	// StateRetrying means the link is down and a reconnect attempt is pending.
	StateRetrying ConnState = "retrying"
	// StateFailed means the retry budget is exhausted. Terminal until a
	// successful connect is reported from outside.
	StateFailed ConnState = "failed"
)

// Event is an observed connection outcome fed into the machine.
type Event int

const (
	// EventUp reports a successful (re)connect.
	EventUp Event = iota
	// EventDown reports a lost connection or a failed connect attempt.
	EventDown
)

// Status is the machine's full state: the ConnState plus the attempt counter
// that drives the backoff delay while retrying.
type Status struct {
	State   ConnState
	Attempt int
}

// Backoff holds the reconnect policy. The transition function is pure so the
// machine is testable without a broker.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultBackoff returns the reconnect policy used when config leaves it
// unset: 10 attempts, 1s initial delay, doubling, capped at 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     60 * time.Second,
	}
}

// Next returns the state following the event and, for retrying states, the
// delay to wait before the next connect attempt.
func (b Backoff) Next(s Status, ev Event) (Status, time.Duration) {
	if ev == EventUp {
		return Status{State: StateConnected}, 0
	}

	switch s.State {
	case StateConnected:
		return Status{State: StateRetrying, Attempt: 1}, b.delay(1)
	case StateRetrying:
		if s.Attempt >= b.MaxAttempts {
			return Status{State: StateFailed, Attempt: s.Attempt}, 0
		}
		n := s.Attempt + 1
		return Status{State: StateRetrying, Attempt: n}, b.delay(n)
	default: // StateFailed
		return s, 0
	}
}

// delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}
