package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var errRemote = errors.New("remote down")

func fail(context.Context) error    { return errRemote }
func succeed(context.Context) error { return nil }

func newBreaker(clock clockwork.Clock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:      3,
		Cooldown:         10 * time.Second,
		SuccessThreshold: 2,
		Clock:            clock,
	})
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	cb := newBreaker(clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errRemote)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	cb := newBreaker(clockwork.NewFakeClock())
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 0, cb.Failures())
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.Advance(10 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errRemote)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cb := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(10 * time.Second)

	inProbe := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-finish
			return nil
		})
	}()
	<-inProbe
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitBreakerOpen)
	close(finish)
	assert.NoError(t, <-done)
}

func TestCircuitBreaker_CanceledCallsAreNotFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cb := newBreaker(clockwork.NewFakeClock())
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() }), context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	cb := newBreaker(clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(ctx, succeed))
}

func TestCircuitBreakerStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitBreakerState(42).String())
}

// The circuit never lets a call through while open and before the cooldown.
func TestCircuitBreakerOpenProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		clock := clockwork.NewFakeClock()
		cb := newBreaker(clock)
		outcomes := rapid.SliceOf(rapid.Bool()).Draw(rt, "outcomes")
		for _, ok := range outcomes {
			cb.mu.Lock()
			blocked := cb.state == StateOpen && clock.Since(cb.openedAt) < cb.config.Cooldown
			cb.mu.Unlock()
			called := false
			err := cb.Execute(ctx, func(context.Context) error {
				called = true
				if ok {
					return nil
				}
				return errRemote
			})
			if blocked && (called || !errors.Is(err, ErrCircuitBreakerOpen)) {
				rt.Fatalf("call admitted while open")
			}
			if errors.Is(err, ErrCircuitBreakerOpen) && called {
				rt.Fatalf("rejected call was executed")
			}
			if rapid.Bool().Draw(rt, "advance") {
				clock.Advance(5 * time.Second)
			}
		}
	})
}
