package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream unavailable")

func failingBreaker(t *testing.T, threshold int, timeout time.Duration) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker(Settings{
		Name:             "test",
		FailureThreshold: threshold,
		MaxRequests:      1,
		Timeout:          timeout,
	})
	for i := 0; i < threshold; i++ {
		err := cb.Execute(func() error { return errDownstream })
		require.ErrorIs(t, err, errDownstream)
	}
	return cb
}

func TestOpensAtFailureThreshold(t *testing.T) {
	cb := failingBreaker(t, 3, time.Minute)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker never invokes the call")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Settings{FailureThreshold: 2, Timeout: time.Minute})

	require.Error(t, cb.Execute(func() error { return errDownstream }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.Error(t, cb.Execute(func() error { return errDownstream }))

	assert.Equal(t, StateClosed, cb.State(), "non-consecutive failures stay below the threshold")
}

func TestHalfOpenProbeBudget(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		FailureThreshold: 1,
		MaxRequests:      2,
		Timeout:          10 * time.Millisecond,
	})
	require.Error(t, cb.Execute(func() error { return errDownstream }))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	// Admit without settling, the way concurrent in-flight probes would.
	require.NoError(t, cb.admit())
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.admit())
	assert.ErrorIs(t, cb.admit(), ErrOpen, "MaxRequests caps concurrent half-open probes")

	// One probe succeeding closes the breaker for everyone.
	cb.settle(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := failingBreaker(t, 1, 10*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(func() error { return errDownstream }), errDownstream)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrOpen,
		"the reopened breaker waits out another timeout")
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	cb := failingBreaker(t, 1, 10*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
}
