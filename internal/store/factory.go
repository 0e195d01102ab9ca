package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

type Config struct {
	Backend   string
	Prefix    string // redis key prefix
	BadgerDir string // empty = in-memory badger
}

// New builds the configured backend, wrapped with logging and the
// write/delete guard. The returned close func releases backend resources.
func New(cfg Config, redisClient redis.UniversalClient) (Store, func() error, error) {
	var (
		inner   Store
		closeFn = func() error { return nil }
	)

	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, nil, fmt.Errorf("store: redis backend requires a redis client")
		}
		inner = NewRedisStore(redisClient, RedisConfig{Prefix: cfg.Prefix})
	case BackendBadger:
		bs, err := OpenBadgerStore(BadgerConfig{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, nil, err
		}
		inner = bs
		closeFn = bs.Close
	case BackendMemory, "":
		inner = NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendMemory
	}
	return NewGuarded(NewLogging(inner, backend)), closeFn, nil
}
