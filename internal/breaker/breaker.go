// Package breaker implements a per-protected-operation circuit breaker:
// closed (pass), open (fast-fail), half-open (allow one probe). State is
// in-memory and not persisted.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is open and fast-failing.
var ErrOpen = errors.New("circuit open")

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards one protected operation.
type Breaker struct {
	threshold    int
	openDuration time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeInFlight bool
}

// New returns a closed breaker that trips after threshold consecutive
// failures and stays open for at least openDuration.
func New(threshold int, openDuration time.Duration) *Breaker {
	return &Breaker{threshold: threshold, openDuration: openDuration, state: Closed}
}

// Allow reports whether a call may proceed. It returns ErrOpen when the
// breaker is open and the open-duration has not yet elapsed. When open but
// the duration has elapsed, it transitions to half-open and allows exactly
// one probe call through; concurrent callers racing for that probe all see
// ErrOpen except the first.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) < b.openDuration {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return nil
	case HalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call. From half-open it closes the breaker
// and resets the failure counter; from closed it simply resets the counter.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
	b.probeInFlight = false
}

// Failure records a failed call. From closed, enough consecutive failures
// trips the breaker open. From half-open, any failure reopens it with a
// fresh timer.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case Open:
		// Already open; nothing to do.
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
	b.probeInFlight = false
}

// State returns the current state, for diagnostics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
