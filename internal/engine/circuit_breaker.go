package engine

import (
	"sync"
	"time"
)

// CircuitState is the state of one operator's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // claims allowed
	CircuitOpen                         // claims of the operator are skipped
	CircuitHalfOpen                     // a few probe claims allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-operator breakers. A zero
// FailureThreshold disables them.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures of one
	// operator type that opens its circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe claims allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used by flowctl server.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probes              int
}

// CircuitBreakerRegistry keeps one breaker per operator type. While an
// operator's circuit is open the dispatcher leaves its ready tasks unclaimed,
// so a failing external system is not hammered by every retry at once. Task
// state is never changed by a breaker.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. now may be nil.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, now func() time.Time) *CircuitBreakerRegistry {
	if now == nil {
		now = time.Now
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      now,
	}
}

func (r *CircuitBreakerRegistry) enabled() bool {
	return r != nil && r.config.FailureThreshold > 0
}

// Allow reports whether a task of the operator may be claimed now. It counts
// the claim as a probe when the circuit is half-open.
func (r *CircuitBreakerRegistry) Allow(operator string) bool {
	if !r.enabled() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.get(operator)
	r.refresh(cb)

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.probes >= r.config.HalfOpenMax {
			return false
		}
		cb.probes++
	}
	return true
}

// RecordSuccess closes the operator's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(operator string) {
	if !r.enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.get(operator)
	cb.consecutiveFailures = 0
	cb.probes = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a retryable failure and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(operator string) CircuitState {
	if !r.enabled() {
		return CircuitClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.get(operator)
	cb.consecutiveFailures++

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
		cb.probes = 0
	}
	return cb.state
}

// State returns the operator's current circuit state.
func (r *CircuitBreakerRegistry) State(operator string) CircuitState {
	if !r.enabled() {
		return CircuitClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.get(operator)
	r.refresh(cb)
	return cb.state
}

// refresh moves an open circuit to half-open once the cooldown elapsed.
func (r *CircuitBreakerRegistry) refresh(cb *circuitBreaker) {
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
}

func (r *CircuitBreakerRegistry) get(operator string) *circuitBreaker {
	cb, ok := r.breakers[operator]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[operator] = cb
	}
	return cb
}
