// Package lock 提供跨进程互斥原语。
// 取锁返回的 Guard 是带持有者令牌的作用域释放句柄，保证任意退出路径都能安全释放。
package lock

import (
	"context"
	"sync/atomic"
	"time"
)

// KeyPrefix 锁在共享存储中的键前缀。
const KeyPrefix = "lock:"

// Locker 分布式锁端口。
// Acquire 在 wait 预算内以短固定间隔重试；超出预算返回 nil, nil
// （锁超时不是错误，由调用方决定跳过或升级处理）。锁不可重入。
type Locker interface {
	Acquire(ctx context.Context, name string, ttl, wait time.Duration) (*Guard, error)
}

// Guard 锁持有句柄。只有令牌匹配的持有者才能成功释放；
// 重复调用 Release 是安全的空操作。
type Guard struct {
	name     string
	token    string
	released atomic.Bool
	release  func(ctx context.Context, name, token string) (bool, error)
}

// NewGuard 构造锁句柄，由具体 Locker 实现调用。
func NewGuard(name, token string, release func(ctx context.Context, name, token string) (bool, error)) *Guard {
	return &Guard{name: name, token: token, release: release}
}

// Name 锁名。
func (g *Guard) Name() string { return g.name }

// Token 持有者令牌。
func (g *Guard) Token() string { return g.token }

// Release 原子比较令牌并删除锁。
// 返回 false 表示锁已过期、已被释放或已被其他持有者接管。
func (g *Guard) Release(ctx context.Context) (bool, error) {
	if !g.released.CompareAndSwap(false, true) {
		return false, nil
	}
	return g.release(ctx, g.name, g.token)
}
