package sse

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatTicksEveryInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	beats := make(chan time.Time, 4)
	stop := StartHeartbeat(clock, 30*time.Second, func(now time.Time) error {
		beats <- now
		return nil
	})
	defer stop()

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(30 * time.Second)
		select {
		case <-beats:
		case <-time.After(2 * time.Second):
			t.Fatalf("missing heartbeat %d", i)
		}
	}
}

func TestHeartbeatStopsOnFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	stop := StartHeartbeat(clock, time.Second, func(now time.Time) error {
		calls.Add(1)
		return errors.New("write failed")
	})

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	clock.Advance(5 * time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	stop := StartHeartbeat(clock, time.Second, func(time.Time) error { return nil })
	done := make(chan struct{})
	go func() {
		stop()
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked")
	}
}

func TestHeartbeatDefaultInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	beats := make(chan struct{}, 1)
	stop := StartHeartbeat(clock, 0, func(time.Time) error {
		beats <- struct{}{}
		return nil
	})
	defer stop()

	clock.BlockUntil(1)
	clock.Advance(DefaultHeartbeatInterval - time.Second)
	select {
	case <-beats:
		t.Fatal("heartbeat fired early")
	case <-time.After(50 * time.Millisecond):
	}
	clock.Advance(time.Second)
	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		require.Fail(t, "missing heartbeat")
	}
}
