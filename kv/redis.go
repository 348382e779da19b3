package kv

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	cfg    config
	owned  bool
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis.
// The caller owns the redis.Client lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) Store {
	return &redisStore{client: client, cfg: applyOptions(opts)}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) keys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.cfg.key(k)
	}
	return out
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	val, err := s.client.Get(qctx, s.cfg.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "kv: get %s", key)
	}
	return val, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.Set(qctx, s.cfg.key(key), value, s.cfg.expires).Err(); err != nil {
		return errors.Wrapf(err, "kv: set %s", key)
	}
	return nil
}

func (s *redisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, s.keys(keys)...).Result()
	if err != nil {
		return 0, errors.Wrap(err, "kv: del")
	}
	return n, nil
}

func (s *redisStore) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Exists(qctx, s.keys(keys)...).Result()
	if err != nil {
		return 0, errors.Wrap(err, "kv: exists")
	}
	return n, nil
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	n, err := s.client.HSet(qctx, s.cfg.key(key), args...).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "kv: hset %s", key)
	}
	return n, nil
}

func (s *redisStore) HGet(ctx context.Context, key string, field string) (string, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	val, err := s.client.HGet(qctx, s.cfg.key(key), field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "kv: hget %s %s", key, field)
	}
	return val, true, nil
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	vals, err := s.client.HGetAll(qctx, s.cfg.key(key)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "kv: hgetall %s", key)
	}
	return vals, nil
}

func (s *redisStore) Ping(ctx context.Context) (string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.client.Ping(qctx).Result()
	if err != nil {
		return "", errors.Wrap(err, "kv: ping")
	}
	return res, nil
}

// Close closes the client only when the store created it (see New).
func (s *redisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
