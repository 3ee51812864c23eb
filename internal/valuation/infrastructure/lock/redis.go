package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRetryInterval = 50 * time.Millisecond

// 仅当当前值与令牌一致时删除，单步原子完成，避免 check-then-act 竞态。
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`)

// RedisLocker 基于 Redis SET NX PX 的分布式锁。
// 互斥保证在 ttl 内成立；持有者崩溃后靠过期自愈，代价是临界区
// 超过 ttl 时最多 ttl 的不安全重叠，调用方须按最坏临界区设定 ttl。
type RedisLocker struct {
	client        redis.UniversalClient
	retryInterval time.Duration
}

// NewRedisLocker 创建 Redis 锁。
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, retryInterval: defaultRetryInterval}
}

// Acquire 在 wait 预算内重试取锁，令牌为不可猜测的随机 UUID。
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (*Guard, error) {
	key := KeyPrefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return NewGuard(name, token, l.releaseFn), nil
		}
		if time.Now().Add(l.retryInterval).After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *RedisLocker) releaseFn(ctx context.Context, name, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{KeyPrefix + name}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", KeyPrefix+name, err)
	}
	return res == 1, nil
}
