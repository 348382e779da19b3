// Package kv is the key-value store used to mirror session metadata. It is backed
// by Redis when credentials are configured and by an in-process map otherwise.
package kv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// PongResponse is returned by a healthy Ping.
const PongResponse = "PONG"

var (
	// ErrMissingCredentials is returned when no store URL is configured and the
	// in-memory fallback is not allowed.
	ErrMissingCredentials = errors.New("kv: store credentials are not configured")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store is closed")
)

// Store is the uniform interface over Redis and the in-memory fallback.
type Store interface {
	// Get returns the string value at key. found is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value at key. The store's default expiry, if any, applies.
	Set(ctx context.Context, key string, value string) error
	// Del removes keys and returns the number that existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	// Exists returns how many of keys exist.
	Exists(ctx context.Context, keys ...string) (int64, error)
	// HSet sets fields on the hash at key and returns the number of fields added.
	HSet(ctx context.Context, key string, fields map[string]string) (int64, error)
	// HGet returns one field of the hash at key.
	HGet(ctx context.Context, key string, field string) (value string, found bool, err error)
	// HGetAll returns all fields of the hash at key (empty when missing).
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Ping checks the connection and returns PongResponse.
	Ping(ctx context.Context) (string, error)
	// Close releases resources held by the store.
	Close() error
}

// DefaultQueryTimeout bounds each Redis round trip.
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	queryTimeout time.Duration
	expires      time.Duration
	prefix       string
}

// Option configures a Store implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for the Redis backend.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpires applies a TTL to every Set. Zero (the default) means no expiry.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.expires = d }
}

// WithPrefix namespaces every key as "<prefix>:<key>".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

func (c config) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// SetJSON serializes val as JSON and stores it at key. Strings are stored verbatim.
func SetJSON(ctx context.Context, s Store, key string, val any) error {
	if str, ok := val.(string); ok {
		return s.Set(ctx, key, str)
	}
	buf, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "kv: encoding %s", key)
	}
	return s.Set(ctx, key, string(buf))
}

// GetJSON loads key and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (bool, T, error) {
	var result T
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, result, err
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return false, result, errors.Wrapf(err, "kv: decoding %s", key)
	}
	return true, result, nil
}
