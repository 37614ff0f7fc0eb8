package upstream

import (
	"errors"
	"log"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state
type BreakerState int

const (
	StateClosed   BreakerState = iota // normal operation
	StateOpen                         // failing, calls short-circuit
	StateHalfOpen                     // probing for recovery
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Allow while the breaker short-circuits.
// Callers surface it as ErrUnavailable.
var ErrCircuitOpen = errors.New("upstream: circuit open")

const (
	breakerFailureThreshold = 5                // consecutive failures to trip
	breakerOpenTimeout      = 60 * time.Second // open duration before probing
	breakerSuccessThreshold = 2                // consecutive half-open successes to close
)

// Breaker is a consecutive-failure circuit breaker shared by all calls
// of one upstream client. Generations invalidate results of calls that
// straddled a state change.
type Breaker struct {
	name string

	mu                   sync.Mutex
	state                BreakerState
	generation           uint64
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	halfOpenInFlight     uint32
	openedAt             time.Time
}

func NewBreaker(name string) *Breaker {
	return &Breaker{name: name, state: StateClosed}
}

// State reports the current state, promoting Open to HalfOpen once the
// open timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Allow admits or rejects a call. The returned generation must be passed
// back to Record with the call's outcome.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return b.generation, ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= breakerSuccessThreshold {
			return b.generation, ErrCircuitOpen
		}
		b.halfOpenInFlight++
	}
	return b.generation, nil
}

// Record feeds a call outcome back. Results from a previous generation
// are ignored.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	if generation != b.generation {
		return
	}
	if state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if success {
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
		if state == StateHalfOpen && b.consecutiveSuccesses >= breakerSuccessThreshold {
			b.setState(StateClosed, now)
		}
		return
	}

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	switch state {
	case StateClosed:
		if b.consecutiveFailures >= breakerFailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A probe failure reopens immediately.
		b.setState(StateOpen, now)
	}
}

// currentState must be called with the lock held.
func (b *Breaker) currentState(now time.Time) BreakerState {
	if b.state == StateOpen && now.Sub(b.openedAt) >= breakerOpenTimeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState must be called with the lock held.
func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.generation++
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	if state == StateOpen {
		b.openedAt = now
	}
	log.Printf("[Upstream:%s] circuit %s -> %s", b.name, prev, state)
}
