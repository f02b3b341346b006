package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriva/events-api/pkg/logger"
)

var testLogger = logger.NewLogger(nil)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	pool := NewPool(2, 8, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var ran atomic.Int32
	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		ok := pool.Submit(func(context.Context) {
			ran.Add(1)
			done <- struct{}{}
		})
		require.True(t, ok)
	}

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	assert.Equal(t, int32(4), ran.Load())
}

func TestSubmitRejectsWhenQueueIsFull(t *testing.T) {
	// Never started: the queue fills and nothing drains it.
	pool := NewPool(1, 2, testLogger)

	assert.True(t, pool.Submit(func(context.Context) {}))
	assert.True(t, pool.Submit(func(context.Context) {}))
	assert.False(t, pool.Submit(func(context.Context) {}), "Submit never blocks")
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	pool := NewPool(1, 8, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.True(t, pool.Submit(func(context.Context) {
			ran.Add(1)
		}))
	}

	pool.Stop()
	assert.Equal(t, int32(3), ran.Load())
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	last := errors.New("still broken")
	err := Retry(3, time.Millisecond, func() error {
		calls++
		return last
	})
	assert.Equal(t, last, err)
	assert.Equal(t, 3, calls)
}
