// Package handler is the HTTP entry point of the MCP server. It upgrades
// GET /sse into a session and routes POSTed messages to the session's
// transport.
package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentuity/mcp-sse/authentication"
	"github.com/agentuity/mcp-sse/eventing"
	"github.com/agentuity/mcp-sse/kv"
	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/server"
	"github.com/agentuity/mcp-sse/mcp/session"
	"github.com/agentuity/mcp-sse/mcp/transport/sse"
	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/agentuity/mcp-sse/metrics"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSSEPath     = "/sse"
	DefaultMessagePath = "/message"

	// ConnectionIDHeader and ConnectionIDParam name the session on POST.
	ConnectionIDHeader = "x-connection-id"
	ConnectionIDParam  = "connectionId"

	maxMessageBytes = 4 << 20
	teardownTimeout = 5 * time.Second
)

var ErrMissingStore = errors.New("a key-value store is required")

type Config struct {
	SSEPath           string
	MessagePath       string
	HeartbeatInterval time.Duration
	// MaxDuration caps an established session's lifetime. Zero disables it.
	MaxDuration  time.Duration
	AuthSecret   string
	Production   bool
	ServerInfo   types.Implementation
	Instructions string
}

type Handler struct {
	cfg       Config
	logger    logger.Logger
	router    chi.Router
	guard     *authentication.Guard
	tools     *server.Registry
	sessions  *session.Registry
	clock     clockwork.Clock
	publisher eventing.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	newID     func() string

	mu       sync.Mutex
	closing  bool
	active   sync.WaitGroup
	shutdown chan struct{}
}

type Option func(*Handler)

// WithClock replaces the clock driving heartbeats and the max duration timer.
func WithClock(clock clockwork.Clock) Option {
	return func(h *Handler) { h.clock = clock }
}

func WithPublisher(p eventing.Publisher) Option {
	return func(h *Handler) { h.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

// WithIDGenerator replaces the connection id generator.
func WithIDGenerator(fn func() string) Option {
	return func(h *Handler) { h.newID = fn }
}

// NewConnectionID returns a time ordered UUID, falling back to a random one.
func NewConnectionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// New builds the dispatcher. tools is sealed here; it may be nil for a
// server without tools.
func New(cfg Config, log logger.Logger, store kv.Store, tools *server.Registry, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, ErrMissingStore
	}
	if cfg.SSEPath == "" {
		cfg.SSEPath = DefaultSSEPath
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = DefaultMessagePath
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = sse.DefaultHeartbeatInterval
	}
	if cfg.ServerInfo.Name == "" {
		cfg.ServerInfo = types.Implementation{Name: "mcp-sse", Version: "dev"}
	}
	if tools == nil {
		tools = server.NewRegistry()
	}
	tools.Seal()

	h := &Handler{
		cfg:       cfg,
		logger:    log.WithPrefix("[mcp]"),
		guard:     authentication.NewGuard(cfg.AuthSecret, cfg.Production),
		tools:     tools,
		sessions:  session.NewRegistry(store, log),
		clock:     clockwork.NewRealClock(),
		publisher: eventing.NewNoop(),
		tracer:    otel.Tracer("github.com/agentuity/mcp-sse/mcp/handler"),
		newID:     NewConnectionID,
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.router = h.routes()
	return h, nil
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)
	r.Get(h.cfg.SSEPath, h.handleSSE)
	r.Post("/", h.handleMessage)
	if h.cfg.MessagePath != "/" {
		r.Post(h.cfg.MessagePath, h.handleMessage)
	}
	r.NotFound(h.methodNotAllowed)
	r.MethodNotAllowed(h.methodNotAllowed)
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Sessions returns the number of live sessions.
func (h *Handler) Sessions() int {
	return h.sessions.Len()
}

// StoreState saves arbitrary application state for a connection.
func (h *Handler) StoreState(ctx context.Context, connectionID string, state any) error {
	return h.sessions.StoreState(ctx, connectionID, state)
}

// LoadState decodes the state saved for a connection into dst.
func (h *Handler) LoadState(ctx context.Context, connectionID string, dst any) (bool, error) {
	return h.sessions.LoadState(ctx, connectionID, dst)
}

// enter registers an SSE handler so Shutdown can wait for it.
func (h *Handler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

// Shutdown ends every session and waits for their handlers to return.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.closing {
		h.closing = true
		close(h.shutdown)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for sessions to close")
	}
	return h.sessions.CloseAll(ctx)
}
