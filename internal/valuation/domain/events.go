package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DomainEvent 领域事件公共契约：稳定的类型名 + 唯一 ID + 发生时间。
type DomainEvent interface {
	EventName() string
	EventID() string
	OccurredOn() time.Time
}

var ErrSerialization = errors.New("event serialization failed")

const (
	EventNamePriceChanged      = "price.changed"
	EventNamePortfolioRevalued = "portfolio.revalued"
)

// RevaluationMode 重估方式枚举，序列化为字符串值。
type RevaluationMode string

const (
	RevaluationFull        RevaluationMode = "full"
	RevaluationIncremental RevaluationMode = "incremental"
)

// PriceChangedEvent 标的价格变更事件，每次批量冲刷按标的各发布一条。
type PriceChangedEvent struct {
	ID        string           `json:"event_id"`
	Happened  time.Time        `json:"occurred_on"`
	Symbol    string           `json:"symbol"`
	OldPrice  *decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal  `json:"new_price"`
	Delta     decimal.Decimal  `json:"delta"`
	DeltaPct  decimal.Decimal  `json:"delta_pct"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewPriceChangedEvent 构造价格变更事件。
// oldPrice 为 nil 表示首次见到该标的，此时 delta 与 delta_pct 均为 0。
func NewPriceChangedEvent(symbol string, newPrice decimal.Decimal, oldPrice *decimal.Decimal, ts time.Time) *PriceChangedEvent {
	e := &PriceChangedEvent{
		ID:        uuid.NewString(),
		Happened:  time.Now(),
		Symbol:    symbol,
		NewPrice:  newPrice,
		Timestamp: ts,
	}
	if oldPrice != nil {
		old := *oldPrice
		e.OldPrice = &old
		e.Delta = newPrice.Sub(old)
		if old.IsPositive() {
			e.DeltaPct = e.Delta.Div(old).Mul(decimal.NewFromInt(100))
		}
	}
	return e
}

func (e *PriceChangedEvent) EventName() string     { return EventNamePriceChanged }
func (e *PriceChangedEvent) EventID() string       { return e.ID }
func (e *PriceChangedEvent) OccurredOn() time.Time { return e.Happened }

// PortfolioRevaluedEvent 组合重估完成事件，持久化成功后发布。
type PortfolioRevaluedEvent struct {
	ID             string          `json:"event_id"`
	Happened       time.Time       `json:"occurred_on"`
	PortfolioID    string          `json:"portfolio_id"`
	HoldingsValue  decimal.Decimal `json:"holdings_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
	Version        int64           `json:"version"`
	Mode           RevaluationMode `json:"mode"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPortfolioRevaluedEvent 从重估后的聚合构造事件。
func NewPortfolioRevaluedEvent(p *Portfolio, mode RevaluationMode) *PortfolioRevaluedEvent {
	return &PortfolioRevaluedEvent{
		ID:             uuid.NewString(),
		Happened:       time.Now(),
		PortfolioID:    p.ID,
		HoldingsValue:  p.HoldingsValue,
		TotalValue:     p.TotalValue,
		TotalReturnPct: p.TotalReturnPct,
		Version:        p.Version,
		Mode:           mode,
		Timestamp:      p.UpdatedAt,
	}
}

func (e *PortfolioRevaluedEvent) EventName() string     { return EventNamePortfolioRevalued }
func (e *PortfolioRevaluedEvent) EventID() string       { return e.ID }
func (e *PortfolioRevaluedEvent) OccurredOn() time.Time { return e.Happened }

type registryEntry struct {
	factory  func() DomainEvent
	required []string
}

// EventRegistry 事件名到构造器的显式映射，负责信封编解码。
// 信封为扁平 JSON：event_name、event_id、occurred_on(ISO-8601) 加各字段。
type EventRegistry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewEventRegistry 创建注册表并登记内建事件类型。
func NewEventRegistry() *EventRegistry {
	r := &EventRegistry{entries: make(map[string]registryEntry)}
	r.Register(EventNamePriceChanged,
		func() DomainEvent { return &PriceChangedEvent{} },
		"event_id", "occurred_on", "symbol", "new_price", "timestamp")
	r.Register(EventNamePortfolioRevalued,
		func() DomainEvent { return &PortfolioRevaluedEvent{} },
		"event_id", "occurred_on", "portfolio_id", "holdings_value", "total_value", "version", "mode")
	return r
}

// Register 登记事件类型及其必填字段。
func (r *EventRegistry) Register(name string, factory func() DomainEvent, required ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registryEntry{factory: factory, required: required}
}

// Known 判断事件名是否已登记。
func (r *EventRegistry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Encode 将事件编码为信封字节流。
func (r *EventRegistry) Encode(e DomainEvent) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	name, err := json.Marshal(e.EventName())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	fields["event_name"] = name
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return payload, nil
}

// Decode 从信封字节流还原类型化事件。
// 未知的多余键被忽略；缺失必填字段或未登记的事件名返回 ErrSerialization。
func (r *EventRegistry) Decode(payload []byte) (DomainEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrSerialization, err)
	}
	rawName, ok := fields["event_name"]
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrSerialization, "event_name")
	}
	var name string
	if err := json.Unmarshal(rawName, &name); err != nil {
		return nil, fmt.Errorf("%w: malformed event_name: %v", ErrSerialization, err)
	}

	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unregistered event %q", ErrSerialization, name)
	}

	for _, field := range entry.required {
		raw, ok := fields[field]
		if !ok || string(raw) == "null" {
			return nil, fmt.Errorf("%w: event %q missing field %q", ErrSerialization, name, field)
		}
	}

	event := entry.factory()
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("%w: decode %q: %v", ErrSerialization, name, err)
	}
	return event, nil
}
