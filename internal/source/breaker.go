package source

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState string

const (
	// StateClosed allows all calls through.
	StateClosed BreakerState = "closed"

	// StateOpen fails all calls immediately without I/O.
	StateOpen BreakerState = "open"

	// StateHalfOpen allows trial calls after the cooldown.
	StateHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned when the breaker is open and no call was
// attempted. Callers branch on this to abort early instead of retrying a
// dependency that is known to be down.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)",
		e.Name, e.RetryAfter.Format(time.RFC3339))
}

// Breaker is a named circuit breaker for one remote dependency.
//
// It opens after a threshold of consecutive failures, fails calls
// immediately while open, allows a trial call after the cooldown
// (half-open), and closes again after two consecutive successes.
//
// All state transitions happen under one mutex via Allow/RecordSuccess/
// RecordFailure, so a health endpoint can take snapshots concurrently
// without blocking a run; reads may be slightly stale.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenSuccesses   int

	// now is swappable for tests
	now func() time.Time
}

// successesToClose is how many consecutive half-open successes close the breaker.
const successesToClose = 2

// NewBreaker creates a closed Breaker.
// threshold is the consecutive-failure count that opens it;
// cooldown is how long it stays open before allowing a trial call.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. While open it returns a
// *CircuitOpenError until the cooldown elapses, at which point the breaker
// moves to half-open and the call is allowed as a trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
			return nil
		}
		return &CircuitOpenError{
			Name:       b.name,
			RetryAfter: b.openedAt.Add(b.cooldown),
		}
	default:
		return fmt.Errorf("breaker %q in unknown state %q", b.name, b.state)
	}
}

// RecordSuccess notes a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= successesToClose {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure notes a failed call outcome. A half-open failure reopens
// immediately; a closed breaker opens once failures reach the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.consecutiveFailures++
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
}

// BreakerSnapshot is a point-in-time view of breaker state for the
// health endpoint.
type BreakerSnapshot struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// Snapshot returns a copy of the breaker's current state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if b.state != StateClosed && !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}
