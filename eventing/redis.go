package eventing

import (
	"context"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/resilience"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the pubsub backend. An empty URL disables publishing.
type Config struct {
	URL     string
	Token   string
	Channel string
}

type redisMsgPayload struct {
	InternalData    []byte  `msgpack:"data"`
	InternalHeaders Headers `msgpack:"headers"`
}

type redisSubscriber struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (s *redisSubscriber) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

type redisPublisher struct {
	rdb     *redis.Client
	channel string
	owned   bool
	logger  logger.Logger
	breaker *resilience.CircuitBreaker
}

var _ Publisher = (*redisPublisher)(nil)

// NewRedisPublisher publishes on channel using rdb. The caller keeps
// ownership of rdb. Publishing stops for a cooldown after repeated failures;
// a nil breaker uses the default one.
func NewRedisPublisher(log logger.Logger, rdb *redis.Client, channel string, breaker ...*resilience.CircuitBreaker) Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	if len(breaker) > 0 && breaker[0] != nil {
		cb = breaker[0]
	}
	return &redisPublisher{
		rdb:     rdb,
		channel: channel,
		logger:  log.With(map[string]interface{}{"component": "eventing"}),
		breaker: cb,
	}
}

// New returns a Redis publisher for cfg, or a no-op one when no URL is set.
func New(ctx context.Context, cfg Config, log logger.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return NewNoop(), nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "eventing: parsing pubsub url")
	}
	if cfg.Token != "" {
		opts.Password = cfg.Token
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "eventing: pubsub health check failed")
	}
	p := NewRedisPublisher(log, rdb, cfg.Channel).(*redisPublisher)
	p.owned = true
	return p, nil
}

func (c *redisPublisher) Publish(ctx context.Context, event Event) error {
	msg := redisMsgPayload{InternalHeaders: make(Headers)}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, msg.InternalHeaders)

	spanCtx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("mcp.event", event.Type),
			attribute.String("mcp.connection_id", event.ConnectionID),
		),
	)
	defer span.End()

	data, err := msgpack.Marshal(event)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "failed to marshal event")
	}
	msg.InternalData = data

	payload, err := msgpack.Marshal(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "failed to marshal message")
	}

	err = c.breaker.Execute(spanCtx, func(ctx context.Context) error {
		return c.rdb.Publish(ctx, c.channel, payload).Err()
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "failed to publish message")
	}

	span.SetStatus(codes.Ok, "event published")
	return nil
}

func (c *redisPublisher) internalCallback(ctx context.Context, payload []byte, cb EventCallback) {
	var msg redisMsgPayload
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("failed to decode message: %s", err)
		return
	}
	var event Event
	if err := msgpack.Unmarshal(msg.InternalData, &event); err != nil {
		c.logger.Error("failed to decode event: %s", err)
		return
	}
	if msg.InternalHeaders == nil {
		msg.InternalHeaders = make(Headers)
	}
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, msg.InternalHeaders),
		"internalCallback",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	cb(spanCtx, event, msg.InternalHeaders)
}

// Subscribe returns once the subscription is confirmed by the server.
func (c *redisPublisher) Subscribe(ctx context.Context, cb EventCallback) (Subscriber, error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := c.rdb.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", c.channel)
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case redisMsg, ok := <-ch:
				if !ok {
					return
				}
				c.internalCallback(ctx, []byte(redisMsg.Payload), cb)
			}
		}
	}()

	return &redisSubscriber{pubsub: pubsub, cancel: cancel}, nil
}

func (c *redisPublisher) Close() error {
	if c.owned {
		return c.rdb.Close()
	}
	return nil
}
