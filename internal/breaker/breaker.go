// Package breaker implements the two-level circuit breaker (C3): a
// per-host instance keyed by URL host and a per-resource instance keyed by
// download id, each running the same closed/open/half-open state machine.
// The open-duration bookkeeping follows the teacher's atomic
// blockedUntil/CompareAndSwap idiom for its rate limiter, extended here with
// an explicit state and half-open probe count.
package breaker

import (
	"sync"
	"time"
)

// State is a breaker's current position in the state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is one closed/open/half-open state machine for a single key
// (a host or a download id).
type Breaker struct {
	failureThreshold int
	openDuration     time.Duration
	halfOpenProbes   int

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	probesInUse  int
}

// New builds a Breaker starting closed.
func New(failureThreshold int, openDuration time.Duration, halfOpenProbes int) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	if halfOpenProbes <= 0 {
		halfOpenProbes = 1
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		halfOpenProbes:   halfOpenProbes,
	}
}

// Allow reports whether a new attempt may proceed, transitioning open→
// half-open once the cooldown has elapsed. It reserves one of the limited
// half-open probe slots when admitting a half-open attempt; callers MUST
// pair every Allow() that returns true with exactly one of Success/Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) < b.openDuration {
			return false
		}
		b.state = HalfOpen
		b.probesInUse = 0
		fallthrough
	case HalfOpen:
		if b.probesInUse >= b.halfOpenProbes {
			return false
		}
		b.probesInUse++
		return true
	default:
		return false
	}
}

// Success reports a successful attempt. In half-open, the first success
// closes the breaker and resets counts; in closed, it resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
		b.probesInUse = 0
	case Closed:
		b.failureCount = 0
	}
}

// Failure reports a failed attempt. In closed state, it increments the
// failure count and trips to open at the threshold. In half-open, any
// failure immediately reopens the breaker with a fresh cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.probesInUse = 0
}

// CurrentState returns the breaker's state without consuming a half-open
// probe slot (unlike Allow).
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.openDuration {
		return HalfOpen
	}
	return b.state
}

// Registry owns one Breaker per key (host or download id), created lazily.
type Registry struct {
	failureThreshold int
	openDuration     time.Duration
	halfOpenProbes   int

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a Registry whose breakers all share the same
// thresholds — the host registry and the resource registry are each one
// of these, constructed with independently configurable parameters.
func NewRegistry(failureThreshold int, openDuration time.Duration, halfOpenProbes int) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		halfOpenProbes:   halfOpenProbes,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns (creating if needed) the Breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(r.failureThreshold, r.openDuration, r.halfOpenProbes)
		r.breakers[key] = b
	}
	return b
}
