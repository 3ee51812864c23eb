// Package binance 基于 Binance 现货归集成交流的行情适配器。
package binance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

// stream 单标的 WebSocket 流的控制通道。
type stream struct {
	doneC chan struct{}
	stopC chan struct{}
}

// Adapter 实现 domain.MarketDataAdapter。
// 每个订阅标的维护一条独立的归集成交流，回调中把报文解析为 PriceTick
// 后交给注册的处理函数；解析失败的报文在此丢弃。
type Adapter struct {
	logger *slog.Logger

	mu      sync.Mutex
	status  domain.AdapterStatus
	handler domain.TickHandler
	streams map[string]*stream
}

// NewAdapter 创建适配器。
func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{
		logger:  logger,
		status:  domain.AdapterDisconnected,
		streams: make(map[string]*stream),
	}
}

// OnMessage 注册报价回调，须在 Connect 之前调用。
func (a *Adapter) OnMessage(handler domain.TickHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Connect 打开已订阅标的的行情流。
func (a *Adapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == domain.AdapterConnected {
		return nil
	}
	if a.handler == nil {
		return fmt.Errorf("binance adapter: no tick handler registered")
	}
	a.status = domain.AdapterConnecting

	for symbol, s := range a.streams {
		if s != nil {
			continue
		}
		opened, err := a.openStream(symbol)
		if err != nil {
			a.status = domain.AdapterDisconnected
			return fmt.Errorf("binance adapter: open stream for %s: %w", symbol, err)
		}
		a.streams[symbol] = opened
	}

	a.status = domain.AdapterConnected
	a.logger.Info("binance adapter connected", "symbols", len(a.streams))
	return nil
}

// Disconnect 停止全部行情流。
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for symbol, s := range a.streams {
		if s != nil {
			close(s.stopC)
		}
		a.streams[symbol] = nil
	}
	a.status = domain.AdapterDisconnected
	a.logger.Info("binance adapter disconnected")
	return nil
}

// Subscribe 订阅标的；已连接时立即开流，否则在 Connect 时开流。
func (a *Adapter) Subscribe(symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, symbol := range symbols {
		if _, ok := a.streams[symbol]; ok {
			continue
		}
		a.streams[symbol] = nil
		if a.status == domain.AdapterConnected {
			opened, err := a.openStream(symbol)
			if err != nil {
				return fmt.Errorf("binance adapter: open stream for %s: %w", symbol, err)
			}
			a.streams[symbol] = opened
		}
	}
	return nil
}

// Unsubscribe 退订标的并关闭对应的流。
func (a *Adapter) Unsubscribe(symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, symbol := range symbols {
		s, ok := a.streams[symbol]
		if !ok {
			continue
		}
		if s != nil {
			close(s.stopC)
		}
		delete(a.streams, symbol)
	}
	return nil
}

// Status 当前连接状态。
func (a *Adapter) Status() domain.AdapterStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SubscribedSymbols 返回当前订阅的全部标的。
func (a *Adapter) SubscribedSymbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	symbols := make([]string, 0, len(a.streams))
	for s := range a.streams {
		symbols = append(symbols, s)
	}
	return symbols
}

// openStream 打开单标的归集成交流，调用方须持有 a.mu。
func (a *Adapter) openStream(symbol string) (*stream, error) {
	handler := a.handler
	onTrade := func(event *binance.WsAggTradeEvent) {
		tick, err := translateAggTrade(event)
		if err != nil {
			a.logger.Warn("dropping malformed trade event",
				"symbol", symbol, "error", err)
			return
		}
		handler(tick)
	}
	onError := func(err error) {
		a.logger.Warn("binance stream error", "symbol", symbol, "error", err)
	}

	doneC, stopC, err := binance.WsAggTradeServe(symbol, onTrade, onError)
	if err != nil {
		return nil, err
	}
	return &stream{doneC: doneC, stopC: stopC}, nil
}

// translateAggTrade 将归集成交报文转换为领域报价。
func translateAggTrade(event *binance.WsAggTradeEvent) (domain.PriceTick, error) {
	if event == nil {
		return domain.PriceTick{}, fmt.Errorf("nil aggregate trade event")
	}
	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("parse price %q: %w", event.Price, err)
	}
	volume, err := decimal.NewFromString(event.Quantity)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("parse quantity %q: %w", event.Quantity, err)
	}
	return domain.PriceTick{
		Symbol:    event.Symbol,
		Price:     price,
		Volume:    volume,
		Timestamp: time.UnixMilli(event.TradeTime),
	}, nil
}
