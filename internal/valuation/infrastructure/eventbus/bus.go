// Package eventbus 提供领域事件的发布/订阅抽象：
// 进程内同步总线（LocalBus）与跨进程异步总线（RedisBus / KafkaBus）。
package eventbus

import (
	"context"
	"log/slog"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

// Handler 事件处理函数。
type Handler func(ctx context.Context, event domain.DomainEvent) error

// Bus 事件总线接口。
// Publish 对无订阅者的事件直接丢弃；订阅者异常不会传播回发布方。
type Bus interface {
	Publish(ctx context.Context, event domain.DomainEvent) error
	Subscribe(eventName string, handler Handler) error
}

// fanOut 按注册顺序同步调用全部处理函数。
// 处理函数返回错误或 panic 仅记录日志，既不中断后续投递也不向上传播。
func fanOut(ctx context.Context, logger *slog.Logger, event domain.DomainEvent, handlers []Handler) {
	for _, handler := range handlers {
		invoke(ctx, logger, event, handler)
	}
}

func invoke(ctx context.Context, logger *slog.Logger, event domain.DomainEvent, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"event_name", event.EventName(),
				"event_id", event.EventID(),
				"panic", r)
		}
	}()
	if err := handler(ctx, event); err != nil {
		logger.Warn("event handler failed",
			"event_name", event.EventName(),
			"event_id", event.EventID(),
			"error", err)
	}
}
