package pdp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// Cache stores serialized policies and decisions. Values are opaque
// bytes so in-process and networked backends share one interface.
// DeletePrefix backs per-user invalidation (user:*, policy:eval:*).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeletePrefix(ctx context.Context, prefix string)
	Close()
}

// NullCache disables caching.
type NullCache struct{}

func (NullCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (NullCache) Set(ctx context.Context, key string, v []byte, _ time.Duration) {}
func (NullCache) Delete(ctx context.Context, key string) {}
func (NullCache) DeletePrefix(ctx context.Context, prefix string) {}
func (NullCache) Close() {}

// memoryCacheEntry pairs a value with its expiry deadline.
type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a mutex-guarded map cache with lazy expiry. It is the
// default when no other cache is configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.Delete(ctx, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	e := memoryCacheEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *MemoryCache) Close() {}

// RistrettoCache is a high-throughput in-process cache. Ristretto does
// not enumerate keys, so a side index tracks live keys to support
// prefix invalidation; the index may briefly hold evicted keys, which
// makes prefix deletes a harmless no-op for them.
type RistrettoCache struct {
	cache *ristretto.Cache
	mu    sync.Mutex
	keys  map[string]struct{}
}

// RistrettoConfig sizes the underlying cache. Zero fields fall back to
// defaults suitable for tens of thousands of policies.
type RistrettoConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func NewRistrettoCache(cfg RistrettoConfig) (*RistrettoCache, error) {
	if cfg.NumCounters == 0 {
		cfg.NumCounters = 1e6
	}
	if cfg.MaxCost == 0 {
		cfg.MaxCost = 64 << 20
	}
	if cfg.BufferItems == 0 {
		cfg.BufferItems = 64
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: rc, keys: make(map[string]struct{})}, nil
}

func (c *RistrettoCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Set buffers the write; ristretto applies it asynchronously and may
// drop it under pressure, which the decision cache tolerates as a miss.
func (c *RistrettoCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()
	c.cache.SetWithTTL(key, value, int64(len(value)+len(key)), ttl)
}

// Wait blocks until buffered writes have been applied. Tests use it to
// make a Set observable before the next Get.
func (c *RistrettoCache) Wait() { c.cache.Wait() }

func (c *RistrettoCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
	c.cache.Del(key)
}

func (c *RistrettoCache) DeletePrefix(ctx context.Context, prefix string) {
	c.mu.Lock()
	var stale []string
	for k := range c.keys {
		if strings.HasPrefix(k, prefix) {
			stale = append(stale, k)
			delete(c.keys, k)
		}
	}
	c.mu.Unlock()
	for _, k := range stale {
		c.cache.Del(k)
	}
}

func (c *RistrettoCache) Close() { c.cache.Close() }

// RedisCache shares decisions across engine instances. Keys are
// namespaced with a configurable prefix so one Redis can serve several
// deployments.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "pdp:"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = c.client.Set(ctx, c.keyPrefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	_ = c.client.Del(ctx, c.keyPrefix+key).Err()
}

func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) {
	var cursor uint64
	pattern := c.keyPrefix + prefix + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			_ = c.client.Del(ctx, keys...).Err()
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

func (c *RedisCache) Close() { _ = c.client.Close() }
