package server

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// Context is the conversation-scoped key/value bag a session threads through
// its tool calls. Values are held as JSON so a snapshot can be mirrored to the
// store and reloaded without losing type information.
type Context struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewContext returns a bag seeded with values, which may be nil.
func NewContext(values map[string]json.RawMessage) *Context {
	c := &Context{values: make(map[string]json.RawMessage, len(values))}
	for k, v := range values {
		c.values[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// Set stores v under key.
func (c *Context) Set(key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding context value %q", key)
	}
	c.mu.Lock()
	c.values[key] = buf
	c.mu.Unlock()
	return nil
}

// Get decodes the value under key into dst. It reports false when the key is unset.
func (c *Context) Get(key string, dst any) (bool, error) {
	c.mu.RLock()
	raw, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errors.Wrapf(err, "decoding context value %q", key)
	}
	return true, nil
}

func (c *Context) Delete(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

func (c *Context) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every value.
func (c *Context) Snapshot() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(c.values))
	for k, v := range c.values {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Digest hashes the keys and values. Equal contents give equal digests.
func (c *Context) Digest() uint64 {
	keys := c.Keys()
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := xxhash.New()
	for _, k := range keys {
		v, ok := c.values[k]
		if !ok {
			continue
		}
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(v)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
