package domain

import "context"

// EventPublisher 领域事件发布端口，由事件总线实现。
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}
