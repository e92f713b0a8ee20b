// Package breaker implements a per-endpoint circuit breaker with
// CLOSED, OPEN, and HALF_OPEN states.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit state for one endpoint.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold   int
	Cooldown           time.Duration
	HalfOpenProbeCount int
	SuccessToClose     int
}

// DefaultConfig returns the breaker defaults used by the relay.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		HalfOpenProbeCount: 1,
		SuccessToClose:     1,
	}
}

type circuit struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbes      int
	halfOpenSuccesses   int
}

// Breaker tracks one circuit per endpoint hash. Safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker creates a breaker using the wall clock.
func NewBreaker(cfg Config) *Breaker {
	return NewBreakerWithClock(cfg, time.Now)
}

// NewBreakerWithClock creates a breaker with an injected clock.
func NewBreakerWithClock(cfg Config, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg, now: now, circuits: make(map[string]*circuit)}
}

// Check reports whether a delivery to the endpoint may be admitted.
// In OPEN, admission is refused until the cooldown elapses, at which
// point the circuit moves to HALF_OPEN. In HALF_OPEN, exactly
// HalfOpenProbeCount probes are admitted; further admissions are refused
// until outcomes are recorded.
func (b *Breaker) Check(endpointHash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(endpointHash)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cfg.Cooldown {
			c.state = StateHalfOpen
			c.halfOpenProbes = 1
			c.halfOpenSuccesses = 0
			return true
		}
		return false
	case StateHalfOpen:
		if c.halfOpenProbes < b.cfg.HalfOpenProbeCount {
			c.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful delivery outcome.
func (b *Breaker) RecordSuccess(endpointHash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(endpointHash)
	switch c.state {
	case StateClosed:
		c.consecutiveFailures = 0
	case StateHalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= b.cfg.SuccessToClose {
			*c = circuit{state: StateClosed}
		}
	}
}

// RecordFailure records a failed delivery outcome. In CLOSED the circuit
// trips once consecutive failures reach the threshold; in HALF_OPEN any
// failure reopens immediately.
func (b *Breaker) RecordFailure(endpointHash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(endpointHash)
	switch c.state {
	case StateClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open(c)
		}
	case StateHalfOpen:
		b.open(c)
	case StateOpen:
		// Already open; a late failure report does not extend the cooldown.
	}
}

// State returns the circuit state for the endpoint.
func (b *Breaker) State(endpointHash string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(endpointHash).state
}

// States returns a snapshot of every tracked circuit.
func (b *Breaker) States() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]State, len(b.circuits))
	for hash, c := range b.circuits {
		out[hash] = c.state
	}
	return out
}

// Reset drops the circuit for an endpoint, returning it to CLOSED.
func (b *Breaker) Reset(endpointHash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, endpointHash)
}

func (b *Breaker) circuit(hash string) *circuit {
	c, ok := b.circuits[hash]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[hash] = c
	}
	return c
}

func (b *Breaker) open(c *circuit) {
	c.state = StateOpen
	c.openedAt = b.now()
	c.consecutiveFailures = 0
	c.halfOpenProbes = 0
	c.halfOpenSuccesses = 0
}
