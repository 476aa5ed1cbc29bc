package blocking

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-watch/internal/errclass"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMarkBlockedKeepsFirstTimestamp(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(5*time.Minute, 30*time.Minute, WithClock(clock.now))
	first := clock.t

	for k := 1; k <= 4; k++ {
		s := m.MarkBlocked()
		require.NotNil(t, s.BlockedSince)
		assert.Equal(t, first, *s.BlockedSince)
		assert.Equal(t, k, s.ConsecutiveFailures)
		clock.advance(time.Minute)
	}

	s := m.MarkUnblocked()
	assert.False(t, s.IsBlocked)
	assert.Nil(t, s.BlockedSince)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestCheckIntervalFollowsState(t *testing.T) {
	m := New(5*time.Minute, 30*time.Minute)
	assert.Equal(t, 5*time.Minute, m.CheckInterval())

	m.MarkBlocked()
	assert.Equal(t, 30*time.Minute, m.CheckInterval())

	m.MarkUnblocked()
	assert.Equal(t, 5*time.Minute, m.CheckInterval())
}

func TestObserveSequence(t *testing.T) {
	m := New(5*time.Minute, 30*time.Minute)
	blocked := errclass.Blocked(errors.New("forbidden"))

	m.Observe(blocked)
	assert.True(t, m.IsBlocked())
	assert.Equal(t, 1, m.Snapshot().ConsecutiveFailures)

	m.Observe(errclass.New(errclass.KindCaptcha, errors.New("challenge")))
	assert.True(t, m.IsBlocked())
	assert.Equal(t, 2, m.Snapshot().ConsecutiveFailures)

	m.Observe(nil)
	assert.False(t, m.IsBlocked())
	assert.Zero(t, m.Snapshot().ConsecutiveFailures)
}

func TestObserveIgnoresOtherFailures(t *testing.T) {
	m := New(5*time.Minute, 30*time.Minute)
	m.Observe(errors.New("connection refused"))
	assert.False(t, m.IsBlocked())

	m.MarkBlocked()
	m.Observe(errclass.New(errclass.KindRateLimited, errors.New("429")))
	assert.True(t, m.IsBlocked())
	assert.Equal(t, 1, m.Snapshot().ConsecutiveFailures)
}

func TestConcurrentMarkBlocked(t *testing.T) {
	m := New(5*time.Minute, 30*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.MarkBlocked()
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.True(t, s.IsBlocked)
	assert.NotNil(t, s.BlockedSince)
	assert.Equal(t, 50, s.ConsecutiveFailures)
}

func TestTransitionHook(t *testing.T) {
	var seen []bool
	m := New(time.Minute, time.Hour, WithTransitionHook(func(s State) {
		seen = append(seen, s.IsBlocked)
	}))

	m.MarkBlocked()
	m.MarkUnblocked()
	assert.Equal(t, []bool{true, false}, seen)
}

func TestCooldownRefusesThenLapses(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(5*time.Minute, 30*time.Minute, WithClock(clock.now))
	assert.False(t, m.Refusing())

	m.Observe(errclass.Blocked(errors.New("403")))
	assert.True(t, m.Refusing())

	clock.advance(30 * time.Minute)
	assert.False(t, m.Refusing())
	assert.True(t, m.IsBlocked(), "state stays blocked until a success")

	m.Observe(nil)
	assert.False(t, m.IsBlocked())
}

func TestCaptchaCooldownIsLonger(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(5*time.Minute, 30*time.Minute, WithClock(clock.now))

	m.Observe(errclass.New(errclass.KindCaptcha, errors.New("challenge")))
	clock.advance(45 * time.Minute)
	assert.True(t, m.Refusing())
	clock.advance(15 * time.Minute)
	assert.False(t, m.Refusing())
}

func TestRateLimitCooldownDoesNotBlock(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(5*time.Minute, 30*time.Minute, WithClock(clock.now))

	m.Observe(errclass.New(errclass.KindRateLimited, errors.New("429")))
	assert.True(t, m.Refusing())
	assert.False(t, m.IsBlocked())
	assert.Equal(t, 5*time.Minute, m.CheckInterval())

	m.ResetCooldown()
	assert.False(t, m.Refusing())
}

func TestConfiguredCooldowns(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(5*time.Minute, 30*time.Minute, WithClock(clock.now),
		WithCooldowns(Cooldowns{Blocked: 2 * time.Minute, Captcha: time.Hour, RateLimited: time.Minute}))

	m.Observe(errclass.Blocked(errors.New("403")))
	clock.advance(time.Minute)
	assert.True(t, m.Refusing())
	clock.advance(time.Minute)
	assert.False(t, m.Refusing())
}
