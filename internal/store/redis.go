package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps generations in Redis: a set of generation names plus one
// hash per generation mapping fingerprint to the encoded snapshot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

type RedisConfig struct {
	Prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
	}
}

func (s *RedisStore) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *RedisStore) generationsKey() string { return s.key("generations") }

func (s *RedisStore) entriesKey(name string) string { return s.key("gen", name) }

func (s *RedisStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.generationsKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("redis open generation %s: %w", name, err)
	}
	return &redisGeneration{store: s, name: name}, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entriesKey(name))
		pipe.SRem(ctx, s.generationsKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete generation %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// putIfOpen writes the entry only while the generation is still listed, so a
// delete from another process is not undone by a late put.
var putIfOpen = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type redisGeneration struct {
	store *RedisStore
	name  string
}

func (g *redisGeneration) Name() string { return g.name }

func (g *redisGeneration) Match(ctx context.Context, fp Fingerprint) (*StoredResponse, bool, error) {
	data, err := g.store.client.HGet(ctx, g.store.entriesKey(g.name), string(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis match: %w", err)
	}

	resp, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (g *redisGeneration) Put(ctx context.Context, fp Fingerprint, resp *StoredResponse) error {
	data, err := encode(resp)
	if err != nil {
		return err
	}

	written, err := putIfOpen.Run(ctx, g.store.client,
		[]string{g.store.generationsKey(), g.store.entriesKey(g.name)},
		g.name, string(fp), data,
	).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if written == 0 {
		return ErrGenerationRetired
	}
	return nil
}
