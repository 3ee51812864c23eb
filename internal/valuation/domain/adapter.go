package domain

import "context"

// AdapterStatus 行情适配器连接状态。
type AdapterStatus string

const (
	AdapterDisconnected AdapterStatus = "disconnected"
	AdapterConnecting   AdapterStatus = "connecting"
	AdapterConnected    AdapterStatus = "connected"
)

// TickHandler 适配器回调，onTick 必须是 O(1) 且线程安全的入队操作。
type TickHandler func(tick PriceTick)

// MarketDataAdapter 行情适配器端口，管道仅依赖此接口与 PriceTick。
type MarketDataAdapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	// OnMessage 注册报价回调，须在 Connect 之前调用。
	OnMessage(handler TickHandler)
	Status() AdapterStatus
	SubscribedSymbols() []string
}
