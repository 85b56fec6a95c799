package karma

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(clock *fakeClock) *breaker {
	return newBreaker(breakerConfig{
		threshold:        3,
		resetTimeout:     30 * time.Second,
		halfOpenMaxCalls: 1,
	}, clock, nil)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.allow())
		b.record(false)
		assert.Equal(t, BreakerClosed, b.currentState())
	}

	require.NoError(t, b.allow())
	b.record(false)
	assert.Equal(t, BreakerOpen, b.currentState())
	assert.ErrorIs(t, b.allow(), errBreakerOpen)
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(clock)

	b.record(false)
	b.record(false)
	b.record(true)
	b.record(false)
	b.record(false)

	assert.Equal(t, BreakerClosed, b.currentState(), "连败被成功打断就不该熔断")
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.record(false)
	}
	require.Equal(t, BreakerOpen, b.currentState())

	clock.Advance(31 * time.Second)
	require.NoError(t, b.allow(), "冷却期过后放行试探")
	assert.Equal(t, BreakerHalfOpen, b.currentState())

	// 半开上限 1，第二个试探被拒
	assert.ErrorIs(t, b.allow(), errBreakerOpen)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.record(false)
	}
	clock.Advance(31 * time.Second)
	require.NoError(t, b.allow())

	b.record(true)
	assert.Equal(t, BreakerClosed, b.currentState())
	assert.NoError(t, b.allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.record(false)
	}
	clock.Advance(31 * time.Second)
	require.NoError(t, b.allow())

	b.record(false)
	assert.Equal(t, BreakerOpen, b.currentState())
	assert.ErrorIs(t, b.allow(), errBreakerOpen)
}

func TestBreaker_ResetRestoresClosed(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.record(false)
	}
	require.Equal(t, BreakerOpen, b.currentState())

	b.reset()
	assert.Equal(t, BreakerClosed, b.currentState())
	assert.NoError(t, b.allow())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}

func TestNewBreaker_FillsDefaults(t *testing.T) {
	b := newBreaker(breakerConfig{}, nil, nil)
	assert.Equal(t, 5, b.cfg.threshold)
	assert.Equal(t, 30*time.Second, b.cfg.resetTimeout)
	assert.Equal(t, 1, b.cfg.halfOpenMaxCalls)
}
