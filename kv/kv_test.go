package kv

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type backend struct {
	name string
	make func(t *testing.T, opts ...Option) Store
}

var backends = []backend{
	{"memory", func(t *testing.T, opts ...Option) Store { return NewMemory(opts...) }},
	{"redis", func(t *testing.T, opts ...Option) Store {
		_, client := newTestRedis(t)
		return NewRedis(client, opts...)
	}},
}

func TestStoreStrings(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.make(t)
			defer s.Close()

			_, found, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Set(ctx, "mcp:context:abc", `{"a":1}`))
			val, found, err := s.Get(ctx, "mcp:context:abc")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, `{"a":1}`, val)

			n, err := s.Exists(ctx, "mcp:context:abc", "missing")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = s.Del(ctx, "mcp:context:abc", "missing")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			_, found, err = s.Get(ctx, "mcp:context:abc")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStoreHashes(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.make(t)
			defer s.Close()

			added, err := s.HSet(ctx, "mcp:connections:abc", map[string]string{"createdAt": "now", "active": "true"})
			require.NoError(t, err)
			assert.Equal(t, int64(2), added)

			added, err = s.HSet(ctx, "mcp:connections:abc", map[string]string{"active": "false"})
			require.NoError(t, err)
			assert.Equal(t, int64(0), added)

			val, found, err := s.HGet(ctx, "mcp:connections:abc", "active")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "false", val)

			_, found, err = s.HGet(ctx, "mcp:connections:abc", "nope")
			require.NoError(t, err)
			assert.False(t, found)

			all, err := s.HGetAll(ctx, "mcp:connections:abc")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"createdAt": "now", "active": "false"}, all)

			n, err := s.Del(ctx, "mcp:connections:abc")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			all, err = s.HGetAll(ctx, "mcp:connections:abc")
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestPingIsIdempotent(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.make(t)
			defer s.Close()
			require.NoError(t, s.Set(ctx, "k", "v"))

			for i := 0; i < 2; i++ {
				pong, err := s.Ping(ctx)
				require.NoError(t, err)
				assert.Equal(t, PongResponse, pong)
			}

			val, found, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v", val)
			n, err := s.Exists(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestStringRoundTripProperty(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t)
			defer s.Close()
			rapid.Check(t, func(rt *rapid.T) {
				key := rapid.StringMatching(`[a-z:]{1,24}`).Draw(rt, "key")
				value := rapid.String().Draw(rt, "value")
				ctx := context.Background()
				if err := s.Set(ctx, key, value); err != nil {
					rt.Fatalf("set: %v", err)
				}
				got, found, err := s.Get(ctx, key)
				if err != nil || !found {
					rt.Fatalf("get: found=%v err=%v", found, err)
				}
				if got != value {
					rt.Fatalf("round trip mismatch: %q != %q", got, value)
				}
			})
		})
	}
}

type selection struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Duration int    `json:"duration"`
}

func TestJSONRoundTripProperty(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t)
			defer s.Close()
			rapid.Check(t, func(rt *rapid.T) {
				want := map[string]selection{}
				n := rapid.IntRange(0, 4).Draw(rt, "n")
				for i := 0; i < n; i++ {
					want[rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "name")] = selection{
						Date:     rapid.StringMatching(`2025-0[1-9]-[12][0-9]`).Draw(rt, "date"),
						Time:     rapid.StringMatching(`[01][0-9]:[0-5][0-9]`).Draw(rt, "time"),
						Duration: rapid.IntRange(15, 240).Draw(rt, "duration"),
					}
				}
				ctx := context.Background()
				if err := SetJSON(ctx, s, "mcp:state:x", want); err != nil {
					rt.Fatalf("set: %v", err)
				}
				found, got, err := GetJSON[map[string]selection](ctx, s, "mcp:state:x")
				if err != nil || !found {
					rt.Fatalf("get: found=%v err=%v", found, err)
				}
				assert.Equal(rt, want, got)
			})
		})
	}
}

func TestSetJSONStoresStringsVerbatim(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, SetJSON(ctx, s, "k", "plain"))
	val, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "plain", val)
}

func TestPrefix(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("app"))
	require.NoError(t, s.Set(ctx, "k", "v"))
	assert.True(t, mr.Exists("app:k"))
	assert.False(t, mr.Exists("k"))
}

func TestRedisExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithExpires(2*time.Second))
	require.NoError(t, s.Set(ctx, "k", "v"))
	mr.FastForward(3 * time.Second)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(WithExpires(10 * time.Millisecond))
	require.NoError(t, s.Set(ctx, "k", "v"))
	time.Sleep(20 * time.Millisecond)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Close())
	_, err := s.Ping(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", "v"), ErrClosed)
}

func TestRedisErrorsAreWrapped(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithQueryTimeout(200*time.Millisecond))
	mr.Close()
	_, err := s.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kv: ping")
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		s, err := New(ctx, Config{URL: "redis://" + mr.Addr(), Production: true}, log)
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.(*redisStore)
		assert.True(t, ok)
		require.NoError(t, s.Set(ctx, "k", "v"))
		assert.True(t, mr.Exists("k"))
	})

	t.Run("token becomes password", func(t *testing.T) {
		mr := miniredis.RunT(t)
		mr.RequireAuth("secret")
		s, err := New(ctx, Config{URL: "redis://" + mr.Addr(), Token: "secret", Production: true}, log)
		require.NoError(t, err)
		defer s.Close()
	})

	t.Run("production without credentials", func(t *testing.T) {
		_, err := New(ctx, Config{Production: true, AllowFallback: true}, log)
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("development without fallback", func(t *testing.T) {
		_, err := New(ctx, Config{}, log)
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("development fallback", func(t *testing.T) {
		s, err := New(ctx, Config{AllowFallback: true}, log)
		require.NoError(t, err)
		_, ok := s.(*memoryStore)
		assert.True(t, ok)
		assert.True(t, log.Contains("WARNING", "in-memory store"))
	})

	t.Run("production failed ping is fatal", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := New(ctx, Config{URL: "redis://" + addr, Production: true}, log, WithQueryTimeout(200*time.Millisecond))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "health check failed")
	})

	t.Run("development failed ping falls back", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		s, err := New(ctx, Config{URL: "redis://" + addr, AllowFallback: true}, log, WithQueryTimeout(200*time.Millisecond))
		require.NoError(t, err)
		_, ok := s.(*memoryStore)
		assert.True(t, ok)
	})
}
