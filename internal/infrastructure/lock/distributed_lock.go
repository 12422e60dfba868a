package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 按关联号加锁
// ============================================================================
//
// 【场景】PSP 会对同一笔支付重复推送通知，且可能并发到达不同实例：
//
//   实例1: 查到交易 PENDING -> 调用 FetchStatus -> 写入 PAID
//   实例2: 查到交易 PENDING -> 调用 FetchStatus -> 再次写入 PAID，邮件发两封
//
// 加锁后同一 correlation id 的通知串行处理，第二个请求拿到锁时
// 交易已是终态，直接按重复通知返回。
//
// 【Redis 实现】
//   加锁：SET key token NX EX ttl
//   解锁：Lua 脚本比较 token 后再 DEL，避免锁过期后误删他人的锁
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// Locker 以 key 为粒度的互斥
//
// Acquire 成功后返回 release，调用方必须在处理结束时调用。
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// WebhookLockKey 通知处理锁的 key
func WebhookLockKey(correlationID string) string {
	return fmt.Sprintf("webhook:lock:%s", correlationID)
}

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// DistributedLock 单次持有的 Redis 锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 持有者标识，解锁时校验
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 带重试的阻塞加锁
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// RedisLocker 多实例部署使用的 Locker
//
// ttl 需覆盖一次完整的通知处理（含 PSP 查询的 30s 超时）。
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
		maxRetries:    int(ttl / (50 * time.Millisecond)),
	}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l := NewDistributedLock(r.client, key, uuid.NewString(), r.ttl)
	if err := l.Lock(ctx, r.retryInterval, r.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 解锁不跟随请求 ctx，请求取消后仍要释放
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
