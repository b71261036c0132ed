package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond, nil)

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.State())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)
	cb.RecordFailure()
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow(), "breaker should probe half-open after timeout")

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require := assert.New(t)
	require.True(cb.Allow())
	cb.RecordFailure()
	require.Equal("open", cb.State())
}
