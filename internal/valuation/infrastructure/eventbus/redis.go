package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

const defaultPollTimeout = time.Second

// RedisBus 基于 Redis PUB/SUB 的跨进程事件总线。
// 全部订阅共享一个后台监听 goroutine；单个频道上的消息按发布顺序投递，
// 跨频道不保证顺序。生命周期由 Start/Stop 显式控制。
type RedisBus struct {
	client      redis.UniversalClient
	registry    *domain.EventRegistry
	prefix      string
	pollTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	started  bool

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus 创建 Redis 总线，prefix 拼接在事件名前构成频道名。
func NewRedisBus(client redis.UniversalClient, registry *domain.EventRegistry, prefix string, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:      client,
		registry:    registry,
		prefix:      prefix,
		pollTimeout: defaultPollTimeout,
		logger:      logger,
		handlers:    make(map[string][]Handler),
	}
}

// Publish 将事件编码为信封后发布到 <prefix><eventName> 频道。
// Broker 不可用时错误同步返回给调用方。
func (b *RedisBus) Publish(ctx context.Context, event domain.DomainEvent) error {
	payload, err := b.registry.Encode(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.prefix+event.EventName(), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventName(), err)
	}
	return nil
}

// Subscribe 注册本地处理函数；总线已启动时同步完成 broker 级频道订阅。
func (b *RedisBus) Subscribe(eventName string, handler Handler) error {
	if !b.registry.Known(eventName) {
		return fmt.Errorf("subscribe %s: %w", eventName, domain.ErrSerialization)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	first := len(b.handlers[eventName]) == 0
	b.handlers[eventName] = append(b.handlers[eventName], handler)

	if b.started && first {
		if err := b.pubsub.Subscribe(context.Background(), b.prefix+eventName); err != nil {
			return fmt.Errorf("subscribe channel %s: %w", b.prefix+eventName, err)
		}
	}
	return nil
}

// Start 建立 broker 订阅并启动监听循环。
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("redis bus already started")
	}

	channels := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		channels = append(channels, b.prefix+name)
	}
	b.pubsub = b.client.Subscribe(ctx, channels...)

	listenCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go b.listen(listenCtx)
	return nil
}

// Stop 取消监听循环并关闭 broker 订阅。
func (b *RedisBus) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel, pubsub, done := b.cancel, b.pubsub, b.done
	b.mu.Unlock()

	cancel()
	err := pubsub.Close()
	<-done
	return err
}

// listen 以有界超时轮询消息，保证 Stop 能及时生效。
// 瞬时读错误记录日志后继续循环。
func (b *RedisBus) listen(ctx context.Context) {
	defer close(b.done)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := b.pubsub.ReceiveTimeout(ctx, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.Warn("redis bus receive failed", "error", err)
			continue
		}
		switch m := msg.(type) {
		case *redis.Message:
			b.dispatch(ctx, m.Channel, []byte(m.Payload))
		case *redis.Subscription:
			// 订阅确认，无需处理
		}
	}
}

// dispatch 从频道名解析事件类型，解码后以 LocalBus 语义本地扇出。
// 信封非法时记录日志并继续监听。
func (b *RedisBus) dispatch(ctx context.Context, channel string, payload []byte) {
	eventName := strings.TrimPrefix(channel, b.prefix)

	event, err := b.registry.Decode(payload)
	if err != nil {
		b.logger.Error("redis bus dropped malformed envelope",
			"channel", channel, "error", err)
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[eventName]))
	copy(handlers, b.handlers[eventName])
	b.mu.RUnlock()

	fanOut(ctx, b.logger, event, handlers)
}
