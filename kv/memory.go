package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   string
	expires time.Time
}

type memoryStore struct {
	mu      sync.Mutex
	strings map[string]memoryEntry
	hashes  map[string]map[string]string
	closed  bool
	cfg     config
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns an in-process Store. It is meant for local development and tests;
// nothing is shared across processes and nothing survives a restart.
func NewMemory(opts ...Option) Store {
	return &memoryStore{
		strings: make(map[string]memoryEntry),
		hashes:  make(map[string]map[string]string),
		cfg:     applyOptions(opts),
	}
}

// lookup returns the live string entry for k, dropping it if expired. Caller holds mu.
func (s *memoryStore) lookup(k string) (memoryEntry, bool) {
	e, ok := s.strings[k]
	if !ok {
		return e, false
	}
	if !e.expires.IsZero() && !time.Now().Before(e.expires) {
		delete(s.strings, k)
		return e, false
	}
	return e, true
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	e, ok := s.lookup(s.cfg.key(key))
	return e.value, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := memoryEntry{value: value}
	if s.cfg.expires > 0 {
		e.expires = time.Now().Add(s.cfg.expires)
	}
	k := s.cfg.key(key)
	delete(s.hashes, k)
	s.strings[k] = e
	return nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, key := range keys {
		k := s.cfg.key(key)
		if _, ok := s.lookup(k); ok {
			delete(s.strings, k)
			n++
		} else if _, ok := s.hashes[k]; ok {
			delete(s.hashes, k)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Exists(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, key := range keys {
		k := s.cfg.key(key)
		if _, ok := s.lookup(k); ok {
			n++
		} else if _, ok := s.hashes[k]; ok {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) HSet(_ context.Context, key string, fields map[string]string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if len(fields) == 0 {
		return 0, nil
	}
	k := s.cfg.key(key)
	delete(s.strings, k)
	h, ok := s.hashes[k]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[k] = h
	}
	var added int64
	for f, v := range fields {
		if _, exists := h[f]; !exists {
			added++
		}
		h[f] = v
	}
	return added, nil
}

func (s *memoryStore) HGet(_ context.Context, key string, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.hashes[s.cfg.key(key)][field]
	return v, ok, nil
}

func (s *memoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h := s.hashes[s.cfg.key(key)]
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

func (s *memoryStore) Ping(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	return PongResponse, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.strings = make(map[string]memoryEntry)
	s.hashes = make(map[string]map[string]string)
	s.mu.Unlock()
	return nil
}
