package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

// KafkaConfig Kafka 总线配置。
type KafkaConfig struct {
	Brokers     []string
	GroupID     string
	TopicPrefix string
}

// KafkaBus 基于 Kafka 的跨进程事件总线，每个事件类型一个 topic，
// 每个已订阅 topic 一个消费 goroutine。至少一次投递。
type KafkaBus struct {
	config   KafkaConfig
	registry *domain.EventRegistry
	logger   *slog.Logger
	writer   *kafka.Writer

	mu       sync.RWMutex
	handlers map[string][]Handler
	readers  map[string]*kafka.Reader
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaBus 创建 Kafka 总线。
func NewKafkaBus(cfg KafkaConfig, registry *domain.EventRegistry, logger *slog.Logger) *KafkaBus {
	return &KafkaBus{
		config:   cfg,
		registry: registry,
		logger:   logger,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		handlers: make(map[string][]Handler),
		readers:  make(map[string]*kafka.Reader),
	}
}

func (b *KafkaBus) topic(eventName string) string {
	return b.config.TopicPrefix + eventName
}

// Publish 将事件编码为信封后写入对应 topic，事件 ID 作为分区键。
func (b *KafkaBus) Publish(ctx context.Context, event domain.DomainEvent) error {
	payload, err := b.registry.Encode(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: b.topic(event.EventName()),
		Key:   []byte(event.EventID()),
		Value: payload,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventName(), err)
	}
	return nil
}

// Subscribe 注册处理函数；总线已启动时立即为新 topic 启动消费循环。
func (b *KafkaBus) Subscribe(eventName string, handler Handler) error {
	if !b.registry.Known(eventName) {
		return fmt.Errorf("subscribe %s: %w", eventName, domain.ErrSerialization)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	first := len(b.handlers[eventName]) == 0
	b.handlers[eventName] = append(b.handlers[eventName], handler)

	if b.started && first {
		b.startReader(b.ctx, eventName)
	}
	return nil
}

// Start 为每个已订阅事件类型启动一个消费循环。
func (b *KafkaBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("kafka bus already started")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	b.ctx = listenCtx
	b.cancel = cancel
	b.started = true

	for name := range b.handlers {
		b.startReader(listenCtx, name)
	}
	return nil
}

// Stop 取消全部消费循环并关闭读写器。
func (b *KafkaBus) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	readers := make([]*kafka.Reader, 0, len(b.readers))
	for _, r := range b.readers {
		readers = append(readers, r)
	}
	b.readers = make(map[string]*kafka.Reader)
	b.mu.Unlock()

	cancel()
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// startReader 需在持有 b.mu 时调用。
func (b *KafkaBus) startReader(ctx context.Context, eventName string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.config.Brokers,
		Topic:       b.topic(eventName),
		GroupID:     b.config.GroupID,
		StartOffset: kafka.LastOffset,
	})
	b.readers[eventName] = reader

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				b.logger.Warn("kafka bus read failed",
					"topic", b.topic(eventName), "error", err)
				continue
			}
			b.dispatch(ctx, eventName, msg.Value)
		}
	}()
}

// dispatch 解码信封并本地扇出，非法信封记录日志后继续消费。
func (b *KafkaBus) dispatch(ctx context.Context, eventName string, payload []byte) {
	event, err := b.registry.Decode(payload)
	if err != nil {
		b.logger.Error("kafka bus dropped malformed envelope",
			"topic", b.topic(eventName), "error", err)
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[eventName]))
	copy(handlers, b.handlers[eventName])
	b.mu.RUnlock()

	fanOut(ctx, b.logger, event, handlers)
}
