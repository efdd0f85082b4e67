package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penpalsync/penpalsync/internal/remote"
)

var errFlaky = remote.Fail("set penpals/p1", remote.ErrUnavailable, errors.New("connection reset"))

// retryEngine is an engine with a fast retry schedule and no targets.
func retryEngine(attempts int, base time.Duration) *Engine {
	return &Engine{
		backoff: backoff{attempts: attempts, base: base, max: 8 * base},
		log:     testLogger,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retryEngine(3, time.Millisecond).retry(context.Background(), "penpals", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsSecondAttempt(t *testing.T) {
	calls := 0
	err := retryEngine(3, time.Millisecond).retry(context.Background(), "penpals", func() error {
		calls++
		if calls < 2 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	calls := 0
	err := retryEngine(3, time.Millisecond).retry(context.Background(), "penpals", func() error {
		calls++
		return errFlaky
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	for _, kind := range []error{remote.ErrPermissionDenied, remote.ErrAborted} {
		t.Run(kind.Error(), func(t *testing.T) {
			calls := 0
			err := retryEngine(3, time.Millisecond).retry(context.Background(), "penpals", func() error {
				calls++
				return remote.Fail("set penpals/p1", kind, nil)
			})
			assert.ErrorIs(t, err, kind)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryEngine(3, time.Millisecond).retry(ctx, "penpals", func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls, "context already cancelled")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := retryEngine(10, 20*time.Millisecond).retry(ctx, "penpals", func() error {
		calls++
		return errFlaky
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, calls, 1)
	assert.Less(t, calls, 10)
}

func TestBackoff_DelayIncreases(t *testing.T) {
	b := defaultBackoff()
	// d0 ∈ [250ms, 500ms), d1 ∈ [500ms, 1s), d2 ∈ [1s, 2s)
	d0, d1, d2 := b.delay(0), b.delay(1), b.delay(2)

	assert.True(t, d0 >= 250*time.Millisecond && d0 < 500*time.Millisecond, "d0 = %v", d0)
	assert.True(t, d1 >= 500*time.Millisecond && d1 < time.Second, "d1 = %v", d1)
	assert.True(t, d2 >= time.Second && d2 < 2*time.Second, "d2 = %v", d2)
}

func TestBackoff_DelayCapped(t *testing.T) {
	b := defaultBackoff()
	for _, n := range []int{10, 40, 100} {
		d := b.delay(n)
		assert.Less(t, d, b.max)
		assert.GreaterOrEqual(t, d, b.max/2)
	}
}
