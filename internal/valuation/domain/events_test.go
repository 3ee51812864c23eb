package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceChangedEvent_Delta(t *testing.T) {
	old := decimal.NewFromInt(10)
	event := NewPriceChangedEvent("BTCUSDT", decimal.NewFromInt(11), &old, time.Now())

	assert.True(t, event.Delta.Equal(decimal.NewFromInt(1)), "delta = %s", event.Delta)
	assert.True(t, event.DeltaPct.Equal(decimal.NewFromInt(10)), "delta_pct = %s", event.DeltaPct)
	assert.NotEmpty(t, event.EventID())
	assert.Equal(t, EventNamePriceChanged, event.EventName())
}

func TestPriceChangedEvent_FirstSighting(t *testing.T) {
	event := NewPriceChangedEvent("BTCUSDT", decimal.NewFromInt(11), nil, time.Now())

	assert.Nil(t, event.OldPrice)
	assert.True(t, event.Delta.IsZero())
	assert.True(t, event.DeltaPct.IsZero())
}

func TestEventRegistry_RoundTripPriceChanged(t *testing.T) {
	registry := NewEventRegistry()
	old := decimal.RequireFromString("99.5")
	original := NewPriceChangedEvent("ETHUSDT", decimal.RequireFromString("101.25"), &old, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	payload, err := registry.Encode(original)
	require.NoError(t, err)

	decoded, err := registry.Decode(payload)
	require.NoError(t, err)

	event, ok := decoded.(*PriceChangedEvent)
	require.True(t, ok)
	assert.Equal(t, original.ID, event.ID)
	assert.Equal(t, "ETHUSDT", event.Symbol)
	require.NotNil(t, event.OldPrice)
	assert.True(t, event.OldPrice.Equal(old))
	assert.True(t, event.NewPrice.Equal(original.NewPrice))
	assert.True(t, event.Delta.Equal(original.Delta))
	assert.True(t, event.DeltaPct.Equal(original.DeltaPct))
	assert.True(t, event.Timestamp.Equal(original.Timestamp))
}

func TestEventRegistry_RoundTripPortfolioRevalued(t *testing.T) {
	registry := NewEventRegistry()
	p := NewPortfolio("pf-1", "growth", decimal.NewFromInt(10000))
	p.AddPosition("BTCUSDT", decimal.NewFromInt(2), decimal.NewFromInt(100))
	p.Recalculate()
	p.Version = 3
	original := NewPortfolioRevaluedEvent(p, RevaluationIncremental)

	payload, err := registry.Encode(original)
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Contains(t, envelope, "event_name")
	assert.Contains(t, envelope, "portfolio_id")

	decoded, err := registry.Decode(payload)
	require.NoError(t, err)

	event, ok := decoded.(*PortfolioRevaluedEvent)
	require.True(t, ok)
	assert.Equal(t, "pf-1", event.PortfolioID)
	assert.Equal(t, int64(3), event.Version)
	assert.Equal(t, RevaluationIncremental, event.Mode)
	assert.True(t, event.TotalValue.Equal(p.TotalValue))
}

func TestEventRegistry_UnknownKeysIgnored(t *testing.T) {
	registry := NewEventRegistry()
	event := NewPriceChangedEvent("BTCUSDT", decimal.NewFromInt(5), nil, time.Now())

	payload, err := registry.Encode(event)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &fields))
	fields["unexpected_key"] = json.RawMessage(`"whatever"`)
	payload, err = json.Marshal(fields)
	require.NoError(t, err)

	decoded, err := registry.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", decoded.(*PriceChangedEvent).Symbol)
}

func TestEventRegistry_MissingRequiredField(t *testing.T) {
	registry := NewEventRegistry()
	event := NewPriceChangedEvent("BTCUSDT", decimal.NewFromInt(5), nil, time.Now())

	payload, err := registry.Encode(event)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &fields))
	delete(fields, "symbol")
	payload, err = json.Marshal(fields)
	require.NoError(t, err)

	_, err = registry.Decode(payload)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestEventRegistry_UnregisteredEvent(t *testing.T) {
	registry := NewEventRegistry()
	_, err := registry.Decode([]byte(`{"event_name":"order.filled","event_id":"x"}`))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestEventRegistry_MalformedEnvelope(t *testing.T) {
	registry := NewEventRegistry()

	_, err := registry.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrSerialization)

	_, err = registry.Decode([]byte(`{"no_event_name":true}`))
	assert.ErrorIs(t, err, ErrSerialization)
}
