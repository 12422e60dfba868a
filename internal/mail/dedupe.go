package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Deduper 按消息键去重
//
// outbox 投递是至少一次，MarkSent 失败后同一条消息会被重新投递。
// Claim 返回 false 表示该消息已经发过邮件；发送失败时 Release 让重投可以再发。
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisDeduper SET key 1 NX EX ttl
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupeKey(key string) string {
	return fmt.Sprintf("mail:sent:%s", key)
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, dedupeKey(key), 1, d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, dedupeKey(key)).Err()
}
