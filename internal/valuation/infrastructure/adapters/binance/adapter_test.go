package binance

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTranslateAggTrade(t *testing.T) {
	tick, err := translateAggTrade(&binance.WsAggTradeEvent{
		Symbol:    "BTCUSDT",
		Price:     "42123.50",
		Quantity:  "0.25",
		TradeTime: 1717243200000,
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("42123.50")))
	assert.True(t, tick.Volume.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, int64(1717243200000), tick.Timestamp.UnixMilli())
	assert.NoError(t, tick.Validate())
}

func TestTranslateAggTrade_Malformed(t *testing.T) {
	_, err := translateAggTrade(nil)
	assert.Error(t, err)

	_, err = translateAggTrade(&binance.WsAggTradeEvent{Symbol: "BTCUSDT", Price: "not-a-number", Quantity: "1"})
	assert.Error(t, err)

	_, err = translateAggTrade(&binance.WsAggTradeEvent{Symbol: "BTCUSDT", Price: "1", Quantity: "oops"})
	assert.Error(t, err)
}

func TestAdapter_SubscriptionBookkeeping(t *testing.T) {
	adapter := NewAdapter(testLogger())
	assert.Equal(t, domain.AdapterDisconnected, adapter.Status())

	require.NoError(t, adapter.Subscribe([]string{"BTCUSDT", "ETHUSDT"}))
	require.NoError(t, adapter.Subscribe([]string{"BTCUSDT"}))
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, adapter.SubscribedSymbols())

	require.NoError(t, adapter.Unsubscribe([]string{"ETHUSDT", "UNKNOWN"}))
	assert.ElementsMatch(t, []string{"BTCUSDT"}, adapter.SubscribedSymbols())
}

func TestAdapter_ConnectRequiresHandler(t *testing.T) {
	adapter := NewAdapter(testLogger())
	err := adapter.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, domain.AdapterDisconnected, adapter.Status())
}
