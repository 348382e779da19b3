// Package sse is the Server-Sent-Events transport: outbound messages stream
// over one long-lived GET response and inbound messages arrive as POSTs.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/transport"
	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/cockroachdb/errors"
)

const (
	DefaultSSERetryInterval = 3000 // milliseconds
	DefaultQueueSize        = 64
	ConnectionIDHeader      = "X-Connection-Id"
)

var (
	ErrStreamingUnsupported = errors.New("streaming not supported by response writer")
	ErrQueueFull            = errors.New("sse: outbound queue is full")
	ErrClosed               = errors.New("sse: transport is closed")
	ErrAlreadyStarted       = errors.New("sse: transport already started")
)

type Transport struct {
	id         string
	endpoint   string
	w          http.ResponseWriter
	flusher    http.Flusher
	logger     logger.Logger
	sseRetryMs int

	out       chan []byte
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once

	mu             sync.RWMutex
	started        bool
	messageHandler transport.MessageHandler
	errorHandler   transport.ErrorHandler
	closeHandler   transport.CloseHandler
}

var _ transport.Transport = (*Transport)(nil)

type Option func(*Transport)

func WithSSERetryInterval(retryMs int) Option {
	return func(t *Transport) {
		t.sseRetryMs = retryMs
	}
}

func WithQueueSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.out = make(chan []byte, n)
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(t *Transport) {
		t.logger = log
	}
}

// New binds a transport to w. endpoint is the URL the client must POST to.
func New(w http.ResponseWriter, id string, endpoint string, options ...Option) (*Transport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	t := &Transport{
		id:         id,
		endpoint:   endpoint,
		w:          w,
		flusher:    flusher,
		logger:     logger.NewConsoleLogger(logger.LevelNone),
		sseRetryMs: DefaultSSERetryInterval,
		out:        make(chan []byte, DefaultQueueSize),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, option := range options {
		option(t)
	}
	return t, nil
}

func (t *Transport) SessionID() string { return t.id }

func (t *Transport) Endpoint() string { return t.endpoint }

// Start writes the stream preamble and launches the writer loop, which runs
// until ctx ends or Close is called.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	select {
	case <-t.closing:
		t.mu.Unlock()
		return ErrClosed
	default:
	}
	t.started = true
	t.mu.Unlock()

	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(ConnectionIDHeader, t.id)
	t.w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(t.w, "retry: %d\n\nevent: endpoint\ndata: %s\n\n", t.sseRetryMs, t.endpoint); err != nil {
		t.finish()
		return errors.Wrap(err, "sse: writing preamble")
	}
	t.flusher.Flush()

	go t.loop(ctx)
	return nil
}

// loop is the only writer of the response body once Start returns.
func (t *Transport) loop(ctx context.Context) {
	defer t.finish()
	for {
		select {
		case frame := <-t.out:
			if _, err := t.w.Write(frame); err != nil {
				t.reportError(errors.Wrap(err, "sse: write"))
				return
			}
			t.flusher.Flush()
		case <-t.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) finish() {
	t.doneOnce.Do(func() {
		close(t.done)
		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
}

func (t *Transport) reportError(err error) {
	t.logger.Debug("sse connection %s: %s", t.id, err)
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// Done is closed once the writer loop has exited, or on Close when the
// transport never started.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) enqueue(frame []byte) error {
	select {
	case <-t.closing:
		return ErrClosed
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Send queues message as a "message" event.
func (t *Transport) Send(ctx context.Context, message *types.JSONRPCMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "sse: encoding message")
	}
	return t.enqueue([]byte(fmt.Sprintf("event: message\ndata: %s\n\n", data)))
}

// Heartbeat queues a comment line. A full queue skips the beat; only a
// closed transport returns an error, which stops the heartbeat.
func (t *Transport) Heartbeat(now time.Time) error {
	err := t.enqueue([]byte(fmt.Sprintf(": heartbeat %d\n\n", now.Unix())))
	if errors.Is(err, ErrQueueFull) {
		t.logger.Debug("sse connection %s: queue full, skipping heartbeat", t.id)
		return nil
	}
	return err
}

// HandlePostMessage delivers a single message or a batch to the message
// handler and replies 202. Replies travel over the event stream.
func (t *Transport) HandlePostMessage(w http.ResponseWriter, r *http.Request, body []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	messages, _, err := types.DecodeMessages(body)
	if err != nil {
		return errors.Wrap(err, "sse: decoding message")
	}
	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler != nil {
		for _, msg := range messages {
			if msg == nil {
				continue
			}
			handler(r.Context(), msg)
		}
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	return nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.mu.RLock()
		started := t.started
		t.mu.RUnlock()
		if !started {
			t.finish()
		}
	})
	return nil
}

func (t *Transport) SetMessageHandler(handler transport.MessageHandler) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

func (t *Transport) SetErrorHandler(handler transport.ErrorHandler) {
	t.mu.Lock()
	t.errorHandler = handler
	t.mu.Unlock()
}

func (t *Transport) SetCloseHandler(handler transport.CloseHandler) {
	t.mu.Lock()
	t.closeHandler = handler
	t.mu.Unlock()
}
