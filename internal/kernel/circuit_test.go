package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_TripsAfterRepeatedSameError(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{SameErrorThreshold: 3, NoProgressThreshold: 100, RecoveryTimeout: time.Hour})

	cb.RecordError("timeout")
	assert.True(t, cb.Allow())
	cb.RecordError("timeout")
	assert.True(t, cb.Allow())
	cb.RecordError("timeout")

	assert.False(t, cb.Allow())
	assert.Equal(t, circuitOpen, cb.State())
}

func TestCircuitBreaker_DifferentErrorKindsDoNotAccumulate(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{SameErrorThreshold: 3, NoProgressThreshold: 100, RecoveryTimeout: time.Hour})

	cb.RecordError("timeout")
	cb.RecordError("rate_limit")
	cb.RecordError("timeout")

	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_TripsOnRepeatedZeroTokenSuccesses(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{SameErrorThreshold: 100, NoProgressThreshold: 2, RecoveryTimeout: time.Hour})

	cb.RecordSuccess(0)
	assert.True(t, cb.Allow())
	cb.RecordSuccess(0)

	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_ProgressResetsNoProgressCounter(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{SameErrorThreshold: 100, NoProgressThreshold: 2, RecoveryTimeout: time.Hour})

	cb.RecordSuccess(0)
	cb.RecordSuccess(50)
	cb.RecordSuccess(0)

	assert.True(t, cb.Allow(), "progress in between should reset the no-progress streak")
}

func TestCircuitBreaker_TransitionsToHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{SameErrorThreshold: 1, NoProgressThreshold: 100, RecoveryTimeout: time.Millisecond})

	cb.RecordError("boom")
	assert.Equal(t, circuitOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, circuitHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{SameErrorThreshold: 1, NoProgressThreshold: 100, RecoveryTimeout: time.Millisecond})

	cb.RecordError("boom")
	time.Sleep(5 * time.Millisecond)
	require := assert.New(t)
	require.True(cb.Allow())

	cb.RecordSuccess(10)
	require.Equal(circuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenErrorReopens(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{SameErrorThreshold: 1, NoProgressThreshold: 100, RecoveryTimeout: time.Millisecond})

	cb.RecordError("boom")
	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow())

	cb.RecordError("boom")
	assert.Equal(t, circuitOpen, cb.State())
}
