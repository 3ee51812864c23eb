package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

// LocalBus 进程内同步事件总线。
// Publish 在调用方 goroutine 上按注册顺序依次调用该事件类型的全部处理函数。
type LocalBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewLocalBus 创建进程内总线。
func NewLocalBus(logger *slog.Logger) *LocalBus {
	return &LocalBus{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Subscribe 为指定事件类型注册处理函数。
func (b *LocalBus) Subscribe(eventName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
	return nil
}

// Publish 同步投递事件，无订阅者时静默丢弃。
func (b *LocalBus) Publish(ctx context.Context, event domain.DomainEvent) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.EventName()]))
	copy(handlers, b.handlers[event.EventName()])
	b.mu.RUnlock()

	fanOut(ctx, b.logger, event, handlers)
	return nil
}
