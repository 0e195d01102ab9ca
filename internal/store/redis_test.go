package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis store backed by an in-process miniredis.
func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return NewRedisStore(client, RedisConfig{Prefix: "test"}), mr
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	gen, err := s.Open(ctx, "cache-v1")
	require.NoError(t, err)
	require.NoError(t, gen.Put(ctx, "fp", &StoredResponse{Status: 200, Body: []byte("x")}))

	ok, err := mr.SIsMember("test:generations", "cache-v1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:gen:cache-v1"))

	require.NoError(t, s.Delete(ctx, "cache-v1"))
	assert.False(t, mr.Exists("test:gen:cache-v1"))
}

func TestRedisStore_ConnectionErrorSurfaces(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	gen, err := s.Open(ctx, "cache-v1")
	require.NoError(t, err)

	mr.Close()

	_, _, err = gen.Match(ctx, "fp")
	assert.Error(t, err)
	assert.Error(t, gen.Put(ctx, "fp", &StoredResponse{Status: 200}))
}
