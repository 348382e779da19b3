package eventing

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/resilience"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaders(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		h := Headers{"key": "value"}
		assert.Equal(t, "value", h.Get("key"))
		assert.Equal(t, "", h.Get("nonexistent"))
	})

	t.Run("Set", func(t *testing.T) {
		h := Headers{}
		h.Set("key", "value")
		assert.Equal(t, "value", h.Get("key"))

		h.Set("key", "new-value")
		assert.Equal(t, "new-value", h.Get("key"))
	})

	t.Run("Keys", func(t *testing.T) {
		h := Headers{"key1": "value1", "key2": "value2"}
		keys := h.Keys()
		assert.Len(t, keys, 2)
		assert.Contains(t, keys, "key1")
		assert.Contains(t, keys, "key2")
	})
}

func TestNoop(t *testing.T) {
	p := NewNoop()
	ctx := context.Background()
	assert.NoError(t, p.Publish(ctx, Event{Type: EventSessionEstablished}))
	sub, err := p.Subscribe(ctx, func(context.Context, Event, Headers) {})
	require.NoError(t, err)
	assert.NoError(t, sub.Close())
	assert.NoError(t, p.Close())
}

func TestNewWithoutURLIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{}, logger.NewTestLogger())
	require.NoError(t, err)
	assert.IsType(t, noopPublisher{}, p)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), Config{URL: "://nope"}, logger.NewTestLogger())
	assert.Error(t, err)
}

func TestNewUsesToken(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	_, err := New(context.Background(), Config{URL: "redis://" + mr.Addr()}, logger.NewTestLogger())
	assert.Error(t, err)

	p, err := New(context.Background(), Config{URL: "redis://" + mr.Addr(), Token: "s3cret"}, logger.NewTestLogger())
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	p := NewRedisPublisher(logger.NewTestLogger(), rdb, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type delivery struct {
		event   Event
		headers Headers
		span    trace.SpanContext
	}
	got := make(chan delivery, 1)
	sub, err := p.Subscribe(ctx, func(ctx context.Context, event Event, headers Headers) {
		got <- delivery{event, headers, trace.SpanContextFromContext(ctx)}
	})
	require.NoError(t, err)
	defer sub.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(parent, Event{
		Type:         EventSessionEstablished,
		ConnectionID: "abc",
		Timestamp:    ts,
		Attributes:   map[string]string{"remote": "127.0.0.1"},
	}))

	select {
	case d := <-got:
		assert.Equal(t, EventSessionEstablished, d.event.Type)
		assert.Equal(t, "abc", d.event.ConnectionID)
		assert.True(t, ts.Equal(d.event.Timestamp))
		assert.Equal(t, "127.0.0.1", d.event.Attributes["remote"])
		assert.Contains(t, d.headers.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")
		assert.Equal(t, traceID, d.span.TraceID())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishFailsWhenServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	p := NewRedisPublisher(logger.NewTestLogger(), rdb, "events")
	mr.Close()
	err := p.Publish(context.Background(), Event{Type: EventSessionClosed, ConnectionID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish message")
}

func TestPublishStopsWhileCircuitOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures: 2,
		Cooldown:    time.Minute,
		Clock:       clockwork.NewFakeClock(),
	})
	p := NewRedisPublisher(logger.NewTestLogger(), rdb, "events", breaker)
	mr.Close()

	event := Event{Type: EventSessionClosed, ConnectionID: "abc"}
	for i := 0; i < 2; i++ {
		err := p.Publish(context.Background(), event)
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitBreakerOpen)
	}
	assert.ErrorIs(t, p.Publish(context.Background(), event), resilience.ErrCircuitBreakerOpen)
	assert.Equal(t, resilience.StateOpen, breaker.State())
}
