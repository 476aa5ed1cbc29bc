package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-watch/internal/errclass"
)

func testPolicy(maxRetries int, sleeps *[]time.Duration) *Policy {
	p := newPolicy("test", maxRetries, 2*time.Second, 45*time.Second)
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return p
}

func TestDoInvocationCountBounded(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 5} {
		var sleeps []time.Duration
		p := testPolicy(maxRetries, &sleeps)

		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return errors.New("connection reset by peer")
		})

		require.Error(t, err)
		assert.Equal(t, maxRetries+1, calls)
		assert.Len(t, sleeps, maxRetries)
	}
}

func TestDoNonRetryableReturnsImmediately(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(3, &sleeps)

	blocked := errclass.Blocked(errors.New("access denied"))
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return blocked
	})

	assert.Same(t, blocked, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(3, &sleeps)

	calls := 0
	got, err := Value(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errclass.New(errclass.KindRetryable, errors.New("connection reset"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryRateLimited(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(3, &sleeps)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errclass.New(errclass.KindRateLimited, errors.New("slow down"))
	})

	assert.Equal(t, errclass.KindRateLimited, errclass.KindOf(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestBackoffWithinJitterBounds(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(4, &sleeps)
	p.MaxDelay = time.Hour

	_ = p.Do(context.Background(), func(context.Context) error {
		return errors.New("network unreachable")
	})

	require.Len(t, sleeps, 4)
	for n, d := range sleeps {
		lo := p.Delay(n)
		hi := time.Duration(float64(lo) * 1.1)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", n)
		assert.LessOrEqual(t, d, hi, "attempt %d", n)
	}
}

func TestDelayCapped(t *testing.T) {
	p := NetworkQueryPolicy(5, 3*time.Second, 45*time.Second)
	assert.Equal(t, 3*time.Second, p.Delay(0))
	assert.Equal(t, 6*time.Second, p.Delay(1))
	assert.Equal(t, 24*time.Second, p.Delay(3))
	assert.Equal(t, 45*time.Second, p.Delay(4))
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := newPolicy("test", 3, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(context.Context) error {
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
