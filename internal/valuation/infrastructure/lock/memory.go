package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker 进程内锁表，语义与 RedisLocker 一致（含过期自愈），
// 用于测试与单进程部署。
type MemoryLocker struct {
	mu            sync.Mutex
	entries       map[string]memoryEntry
	retryInterval time.Duration
}

// NewMemoryLocker 创建进程内锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries:       make(map[string]memoryEntry),
		retryInterval: defaultRetryInterval,
	}
}

// Acquire 语义同 Locker.Acquire。
func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (*Guard, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if l.tryAcquire(name, token, ttl) {
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

func (l *MemoryLocker) tryAcquire(name, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[name]
	if ok && time.Now().Before(entry.expiresAt) {
		return false
	}
	l.entries[name] = memoryEntry{token: token, expiresAt: time.Now().Add(ttl)}
	return true
}

func (l *MemoryLocker) releaseFn(_ context.Context, name, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[name]
	if !ok || entry.token != token || time.Now().After(entry.expiresAt) {
		return false, nil
	}
	delete(l.entries, name)
	return true, nil
}
