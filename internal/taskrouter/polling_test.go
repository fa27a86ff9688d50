package taskrouter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/runtime/internal/core"
)

func TestBackoffIntervalSequence(t *testing.T) {
	b := Backoff{InitialMs: 100, MaxMs: 2000, Multiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, b.Interval(1))
	assert.Equal(t, 200*time.Millisecond, b.Interval(2))
	assert.Equal(t, 400*time.Millisecond, b.Interval(3))
	assert.Equal(t, 1600*time.Millisecond, b.Interval(5))
	assert.Equal(t, 2000*time.Millisecond, b.Interval(6))
	assert.Equal(t, 2000*time.Millisecond, b.Interval(20))
}

func TestBackoffMonotonicProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("intervals are non-decreasing and capped", prop.ForAll(
		func(initial int64, max int64, mult float64, attempt int) bool {
			b := Backoff{InitialMs: initial, MaxMs: initial + max, Multiplier: mult}
			cur := b.Interval(attempt)
			next := b.Interval(attempt + 1)
			ceiling := time.Duration(b.MaxMs) * time.Millisecond
			return next >= cur && cur <= ceiling && next <= ceiling
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(0, 60000),
		gen.Float64Range(1.0, 4.0),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

func TestPollSucceedsAfterRetries(t *testing.T) {
	var checks int32

	metrics, err := Poll(context.Background(), PollConfig{
		Interval: 20 * time.Millisecond,
		Timeout:  2 * time.Second,
	}, func() (bool, error) {
		return atomic.AddInt32(&checks, 1) >= 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, PollSuccess, metrics.Outcome)
	assert.Equal(t, 3, metrics.Attempts)
	assert.Len(t, metrics.IntervalsMs, 2)
	assert.Len(t, metrics.AttemptsMs, 3)
}

func TestPollBackoffIntervalsNonDecreasing(t *testing.T) {
	var checks int32

	metrics, err := Poll(context.Background(), PollConfig{
		Interval: 200 * time.Millisecond,
		Timeout:  5 * time.Second,
		Backoff:  &Backoff{InitialMs: 10, MaxMs: 200, Multiplier: 2.0},
	}, func() (bool, error) {
		return atomic.AddInt32(&checks, 1) >= 5, nil
	})

	require.NoError(t, err)
	require.GreaterOrEqual(t, len(metrics.IntervalsMs), 2)
	for i := 1; i < len(metrics.IntervalsMs); i++ {
		assert.GreaterOrEqual(t, metrics.IntervalsMs[i], metrics.IntervalsMs[i-1])
	}
}

func TestPollTimeout(t *testing.T) {
	metrics, err := Poll(context.Background(), PollConfig{
		Interval: 50 * time.Millisecond,
		Timeout:  200 * time.Millisecond,
	}, func() (bool, error) {
		return false, nil
	})

	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTimeout))
	assert.Equal(t, PollTimeout, metrics.Outcome)
	var de *core.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "POLLING_TIMEOUT", de.Details["code"])
}

func TestPollCancellationLatency(t *testing.T) {
	token := NewCancellationToken()
	go func() {
		time.Sleep(60 * time.Millisecond)
		token.Cancel()
	}()

	start := time.Now()
	metrics, err := Poll(context.Background(), PollConfig{
		Interval: time.Second,
		Timeout:  10 * time.Second,
		Token:    token,
	}, func() (bool, error) {
		return false, nil
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCancelled))
	assert.Equal(t, PollCancelled, metrics.Outcome)
	// cancel fires at 60ms; the 100ms check chunk bounds observation latency
	assert.LessOrEqual(t, elapsed, 250*time.Millisecond)
}

func TestPollContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	metrics, err := Poll(ctx, PollConfig{
		Interval: time.Second,
		Timeout:  10 * time.Second,
	}, func() (bool, error) {
		return false, nil
	})

	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCancelled))
	assert.Equal(t, PollCancelled, metrics.Outcome)
}

func TestPollCheckError(t *testing.T) {
	metrics, err := Poll(context.Background(), PollConfig{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
	}, func() (bool, error) {
		return false, assert.AnError
	})

	require.Error(t, err)
	assert.Equal(t, PollError, metrics.Outcome)
}

func TestCancellationTokenIdempotent(t *testing.T) {
	token := NewCancellationToken()
	assert.False(t, token.Cancelled())

	token.Cancel()
	token.Cancel()
	assert.True(t, token.Cancelled())

	select {
	case <-token.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}
