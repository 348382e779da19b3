package kv

import (
	"context"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Config selects and configures the backing store.
type Config struct {
	// URL is a redis:// or rediss:// URL. Empty means no managed store.
	URL string
	// Token, when set, is used as the Redis password.
	Token string
	// AllowFallback permits the in-memory store outside production.
	AllowFallback bool
	// Production disables every fallback path.
	Production bool
}

// New builds the store described by cfg and checks its health once with Ping.
//
// In production a missing URL or a failed ping is fatal. Elsewhere both fall back to
// the in-memory store when cfg.AllowFallback is set.
func New(ctx context.Context, cfg Config, log logger.Logger, opts ...Option) (Store, error) {
	if cfg.URL == "" {
		if cfg.Production || !cfg.AllowFallback {
			return nil, ErrMissingCredentials
		}
		log.Warn("no store credentials configured, using in-memory store (development only)")
		return NewMemory(opts...), nil
	}

	ropts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "kv: parsing store url")
	}
	if cfg.Token != "" {
		ropts.Password = cfg.Token
	}
	client := redis.NewClient(ropts)
	store := &redisStore{client: client, cfg: applyOptions(opts), owned: true}

	pong, err := store.Ping(ctx)
	if err == nil && pong != PongResponse {
		err = errors.Newf("kv: unexpected ping response %q", pong)
	}
	if err != nil {
		client.Close()
		if cfg.Production || !cfg.AllowFallback {
			return nil, errors.Wrap(err, "kv: store health check failed")
		}
		log.Warn("store health check failed, using in-memory store: %s", err)
		return NewMemory(opts...), nil
	}
	log.Debug("connected to store at %s", ropts.Addr)
	return store, nil
}
