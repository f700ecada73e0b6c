package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return New("test", Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}).WithClock(clock.Now)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow(), "call %d should be admitted", i+1)
		b.RecordFailure()
	}

	// Exactly failureThreshold consecutive failures: next call rejected
	// without touching the underlying dependency.
	err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, Open, b.State())
}

func TestBreakerFourFailuresStillClosed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.NoError(t, b.Allow())
	assert.Equal(t, Closed, b.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()

	// Counter restarted, so four more failures still leave it closed.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(61 * time.Second)

	// Exactly halfOpenMaxCalls probes admitted, then rejection again.
	for i := 0; i < 3; i++ {
		assert.NoError(t, b.Allow(), "probe %d should be admitted", i+1)
	}
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(61 * time.Second)

	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.Allow())
}

func TestHalfOpenFailureReopensWithFreshTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(61 * time.Second)

	require.NoError(t, b.Allow())
	b.RecordFailure()

	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Old timeout would have expired long ago; the new one starts at the
	// probe failure.
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(31 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestDoShortCircuits(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	boom := errors.New("dependency down")
	calls := 0
	op := func() error {
		calls++
		return boom
	}

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Do(op), boom)
	}
	require.Equal(t, 5, calls)

	// Sixth call rejected with no attempt on the dependency.
	err := b.Do(op)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, calls)
}

func TestDoSuccess(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}
