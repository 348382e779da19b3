// Package session tracks the live SSE sessions of one dispatcher and mirrors
// their metadata into the key-value store.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/mcp-sse/kv"
	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/server"
	"github.com/agentuity/mcp-sse/mcp/transport"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrSessionExists = errors.New("session already exists")
	ErrEmptyID       = errors.New("connection id is required")
)

const (
	connectionsPrefix = "mcp:connections:"
	contextPrefix     = "mcp:context:"
	statePrefix       = "mcp:state:"

	FieldCreatedAt = "createdAt"
	FieldActive    = "active"
)

func ConnectionKey(id string) string { return connectionsPrefix + id }

func ContextKey(id string) string { return contextPrefix + id }

func StateKey(id string) string { return statePrefix + id }

// Session is one live connection. The transport and protocol server are
// attached once setup succeeds and are owned by the session.
type Session struct {
	ID        string
	CreatedAt time.Time

	registry *Registry
	active   atomic.Bool

	mu            sync.Mutex
	transport     transport.Transport
	server        *server.Server
	stopHeartbeat func()

	closeOnce sync.Once
	closeErr  error
}

// Attach binds the session's transport and protocol server.
func (s *Session) Attach(t transport.Transport, srv *server.Server) {
	s.mu.Lock()
	s.transport = t
	s.server = srv
	s.mu.Unlock()
}

// SetHeartbeat records the stop handle that Close invokes.
func (s *Session) SetHeartbeat(stop func()) {
	s.mu.Lock()
	s.stopHeartbeat = stop
	s.mu.Unlock()
}

func (s *Session) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) Server() *server.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func (s *Session) Active() bool { return s.active.Load() }

// Close tears the session down once: it stops the heartbeat, closes the
// transport, drops the registry entry and deletes the store mirror. Later
// calls return the first result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		s.mu.Lock()
		stop, t := s.stopHeartbeat, s.transport
		s.mu.Unlock()

		var result error
		if stop != nil {
			stop()
		}
		if t != nil {
			if err := t.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "closing transport"))
			}
		}
		s.registry.drop(s)
		if _, err := s.registry.store.Del(ctx, ConnectionKey(s.ID)); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "deleting connection record"))
		}
		s.closeErr = result
		s.registry.logger.Debug("session %s closed after %s", s.ID, s.registry.now().Sub(s.CreatedAt).Round(time.Millisecond))
	})
	return s.closeErr
}

// Registry owns the live sessions of one dispatcher instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    kv.Store
	logger   logger.Logger
	now      func() time.Time
}

type Option func(*Registry)

// WithNow overrides the clock used for createdAt.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store kv.Store, log logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire reserves id and writes its connection record. The returned
// session's Close releases both, so callers defer it on any setup failure.
func (r *Registry) Acquire(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	s := &Session{ID: id, CreatedAt: r.now().UTC(), registry: r}
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrSessionExists, "%s", id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	s.active.Store(true)
	_, err := r.store.HSet(ctx, ConnectionKey(id), map[string]string{
		FieldCreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
		FieldActive:    "true",
	})
	if err != nil {
		_ = s.Close(ctx)
		return nil, errors.Wrapf(err, "mirroring session %s", id)
	}
	return s, nil
}

// drop removes s if it is still the entry for its id.
func (r *Registry) drop(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live connection ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Remove closes the session for id. It reports false when there was none.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	s, ok := r.Get(id)
	if !ok {
		return false, nil
	}
	return true, s.Close(ctx)
}

// CloseAll closes every live session.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var result error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "session %s", s.ID))
		}
	}
	return result
}

// LoadContext returns the context saved for id, if any.
func (r *Registry) LoadContext(ctx context.Context, id string) (map[string]json.RawMessage, bool, error) {
	found, values, err := kv.GetJSON[map[string]json.RawMessage](ctx, r.store, ContextKey(id))
	if err != nil {
		return nil, false, errors.Wrapf(err, "loading context for %s", id)
	}
	return values, found, nil
}

// SaveContext matches server.ContextSaver.
func (r *Registry) SaveContext(ctx context.Context, id string, values map[string]json.RawMessage) error {
	return kv.SetJSON(ctx, r.store, ContextKey(id), values)
}

// StoreState writes arbitrary application state for id as JSON.
func (r *Registry) StoreState(ctx context.Context, id string, state any) error {
	if id == "" {
		return ErrEmptyID
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "encoding state for %s", id)
	}
	return r.store.Set(ctx, StateKey(id), string(buf))
}

// LoadState decodes the state saved for id into dst.
func (r *Registry) LoadState(ctx context.Context, id string, dst any) (bool, error) {
	raw, found, err := r.store.Get(ctx, StateKey(id))
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, errors.Wrapf(err, "decoding state for %s", id)
	}
	return true, nil
}
