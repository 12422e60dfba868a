package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenCache 缓存 EFI 的 OAuth access token
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, token string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

func efiTokenKey(env string) string {
	return "efi:token:" + env
}

// RedisTokenCache 多实例共享 token，避免每个实例各自换取
type RedisTokenCache struct {
	client *redis.Client
}

func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) {
	_ = c.client.Set(ctx, key, token, ttl).Err()
}

func (c *RedisTokenCache) Delete(ctx context.Context, key string) {
	_ = c.client.Del(ctx, key).Err()
}

type memoryToken struct {
	value     string
	expiresAt time.Time
}

// MemoryTokenCache 无 Redis 时的进程内缓存
type MemoryTokenCache struct {
	mu     sync.Mutex
	tokens map[string]memoryToken
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: make(map[string]memoryToken)}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[key]
	if !ok || time.Now().After(t.expiresAt) {
		return "", false
	}
	return t.value, true
}

func (c *MemoryTokenCache) Set(_ context.Context, key, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = memoryToken{value: token, expiresAt: time.Now().Add(ttl)}
}

func (c *MemoryTokenCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, key)
}
