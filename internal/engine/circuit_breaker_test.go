package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_DisabledAllowsEverything(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{}, nil)
	for range 10 {
		cbr.RecordFailure("http")
	}
	assert.True(t, cbr.Allow("http"))
	assert.Equal(t, CircuitClosed, cbr.State("http"))

	var nilRegistry *CircuitBreakerRegistry
	assert.True(t, nilRegistry.Allow("http"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}, clock.Now)

	cbr.RecordFailure("http")
	cbr.RecordFailure("http")
	assert.True(t, cbr.Allow("http"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("http"))
	assert.False(t, cbr.Allow("http"))
	assert.True(t, cbr.Allow("echo"), "breakers are per operator")
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Second}, nil)
	cbr.RecordFailure("http")
	cbr.RecordSuccess("http")
	assert.Equal(t, CircuitClosed, cbr.RecordFailure("http"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second, HalfOpenMax: 1}, clock.Now)

	cbr.RecordFailure("http")
	assert.False(t, cbr.Allow("http"))

	clock.Advance(10 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cbr.State("http"))
	assert.True(t, cbr.Allow("http"))
	assert.False(t, cbr.Allow("http"), "only one probe while half-open")

	cbr.RecordSuccess("http")
	assert.True(t, cbr.Allow("http"))
	assert.Equal(t, CircuitClosed, cbr.State("http"))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 5 * time.Second}, clock.Now)

	cbr.RecordFailure("http")
	clock.Advance(5 * time.Second)
	assert.True(t, cbr.Allow("http"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("http"))
	assert.False(t, cbr.Allow("http"))
	clock.Advance(4 * time.Second)
	assert.False(t, cbr.Allow("http"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
