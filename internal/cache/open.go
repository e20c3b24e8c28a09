package cache

import (
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backend names accepted by Open.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// BackendConfig selects and configures a store backend.
type BackendConfig struct {
	Backend               string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	RedisURL              string
}

// Open returns the configured store. The closer is nil for the in-memory store,
// which uses clock for expiry.
func Open(cfg BackendConfig, clock clockwork.Clock) (Store, io.Closer, error) {
	switch cfg.Backend {
	case BackendMemcached:
		mc := NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		return mc, mc, nil
	case BackendRedis:
		rs, err := NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		return rs, rs, nil
	case BackendInMemory, "":
		return NewInMemoryStore(clock), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}
