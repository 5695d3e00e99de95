package replay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "attendance:marked:"

// RedisCache stores markers as expiring Redis keys.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func markedKey(k Key) string { return keyPrefix + k.SessionID + ":" + k.PersonID }

func (c *RedisCache) IsMarked(ctx context.Context, k Key) (bool, error) {
	n, err := c.client.Exists(ctx, markedKey(k)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, k Key, ttl time.Duration) error {
	return c.client.Set(ctx, markedKey(k), 1, ttl).Err()
}

func (c *RedisCache) Clear(ctx context.Context, k Key) error {
	return c.client.Del(ctx, markedKey(k)).Err()
}

// MemoryCache is an in-process Cache for tests and single-node development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryCache) get(key string) bool {
	exp, ok := c.entries[key]
	if !ok {
		return false
	}
	if !exp.IsZero() && c.now().After(exp) {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *MemoryCache) set(key string, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.entries[key] = exp
}

func (c *MemoryCache) IsMarked(_ context.Context, k Key) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(markedKey(k)), nil
}

func (c *MemoryCache) Mark(_ context.Context, k Key, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(markedKey(k), ttl)
	return nil
}

func (c *MemoryCache) Clear(_ context.Context, k Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, markedKey(k))
	return nil
}
