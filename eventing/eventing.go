// Package eventing publishes session lifecycle events for other services to
// observe. Publishing is best effort: callers log failures and move on.
package eventing

import (
	"context"
	"time"
)

const (
	EventSessionEstablished = "mcp.session.established"
	EventSessionClosed      = "mcp.session.closed"

	DefaultChannel = "mcp"
)

// Headers carries the trace context alongside each event.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Event is one lifecycle notification.
type Event struct {
	Type         string            `msgpack:"type"`
	ConnectionID string            `msgpack:"connectionId"`
	Timestamp    time.Time         `msgpack:"timestamp"`
	Attributes   map[string]string `msgpack:"attributes,omitempty"`
}

type EventCallback func(ctx context.Context, event Event, headers Headers)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
}

type Publisher interface {
	// Publish sends event to every subscriber of the channel
	Publish(ctx context.Context, event Event) error
	// Subscribe delivers events published on the channel to cb
	Subscribe(ctx context.Context, cb EventCallback) (Subscriber, error)
	// Close releases the publisher
	Close() error
}

type noopPublisher struct{}

type noopSubscriber struct{}

func (noopSubscriber) Close() error { return nil }

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(ctx context.Context, event Event) error { return nil }

func (noopPublisher) Subscribe(ctx context.Context, cb EventCallback) (Subscriber, error) {
	return noopSubscriber{}, nil
}

func (noopPublisher) Close() error { return nil }
