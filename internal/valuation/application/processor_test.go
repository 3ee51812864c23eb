package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/lock"
)

// fakeValuer 记录每次重估的组合与价格子集。
type fakeValuer struct {
	mu    sync.Mutex
	calls []fakeCall
}

type fakeCall struct {
	portfolioID string
	prices      map[string]decimal.Decimal
}

func (f *fakeValuer) Revalue(_ context.Context, portfolioID string, prices map[string]decimal.Decimal, _ bool) (*domain.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{portfolioID: portfolioID, prices: prices})
	return nil, nil
}

func (f *fakeValuer) RevalueWith(_ context.Context, p *domain.Portfolio, prices map[string]decimal.Decimal, _ bool) (*domain.Portfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{portfolioID: p.ID, prices: prices})
	return p, nil
}

func (f *fakeValuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeValuer) lastCall() (fakeCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return fakeCall{}, false
	}
	return f.calls[len(f.calls)-1], true
}

func tick(symbol string, price int64) domain.PriceTick {
	return domain.PriceTick{
		Symbol:    symbol,
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now(),
	}
}

func fastConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:     1000,
		BatchTimeout:  30 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		LockTTL:       time.Second,
		LockWait:      200 * time.Millisecond,
	}
}

func TestTickProcessor_NoLostTicks(t *testing.T) {
	publisher := &capturingPublisher{}
	processor := NewTickProcessor(fastConfig(), &fakeValuer{}, publisher, lock.NewMemoryLocker(), testLogger(), nil)

	require.NoError(t, processor.Start(context.Background()))

	const producers = 4
	const perProducer = 50
	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				// 标的全局唯一，发布的事件数即冲刷出的报价数
				processor.OnTick(tick(fmt.Sprintf("SYM-%d-%d", w, i), 100))
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, processor.Stop())

	stats := processor.Stats()
	assert.Equal(t, int64(producers*perProducer), stats.TicksSeen)
	assert.Equal(t, 0, stats.BufferLength, "no tick may survive shutdown unbuffered")
	assert.Len(t, publisher.captured(), producers*perProducer,
		"ticks flushed across all cycles must equal ticks enqueued")
}

func TestTickProcessor_BatchSizeTriggersFlush(t *testing.T) {
	cfg := fastConfig()
	cfg.BatchSize = 5
	cfg.BatchTimeout = 10 * time.Second
	publisher := &capturingPublisher{}
	processor := NewTickProcessor(cfg, &fakeValuer{}, publisher, lock.NewMemoryLocker(), testLogger(), nil)

	require.NoError(t, processor.Start(context.Background()))
	defer processor.Stop()

	for i := 0; i < 4; i++ {
		processor.OnTick(tick(fmt.Sprintf("S%d", i), 10))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), processor.Stats().BatchesProcessed,
		"below batch size and before batch timeout, nothing flushes")

	processor.OnTick(tick("S4", 10))
	require.Eventually(t, func() bool {
		return processor.Stats().BatchesProcessed == 1
	}, time.Second, 5*time.Millisecond, "reaching batch size must trigger a flush")
	assert.Len(t, publisher.captured(), 5)
}

func TestTickProcessor_BatchTimeoutTriggersFlush(t *testing.T) {
	cfg := fastConfig()
	cfg.BatchTimeout = 50 * time.Millisecond
	publisher := &capturingPublisher{}
	processor := NewTickProcessor(cfg, &fakeValuer{}, publisher, lock.NewMemoryLocker(), testLogger(), nil)

	require.NoError(t, processor.Start(context.Background()))
	defer processor.Stop()

	processor.OnTick(tick("BTCUSDT", 100))

	require.Eventually(t, func() bool {
		return processor.Stats().BatchesProcessed == 1
	}, time.Second, 5*time.Millisecond, "batch timeout must flush a partial batch")
	assert.Len(t, publisher.captured(), 1)
}

func TestTickProcessor_LastTickWinsWithinBatch(t *testing.T) {
	valuer := &fakeValuer{}
	publisher := &capturingPublisher{}
	processor := NewTickProcessor(fastConfig(), valuer, publisher, lock.NewMemoryLocker(), testLogger(), nil)
	processor.RegisterPortfolioSymbols("pf-1", []string{"BTCUSDT"})

	require.NoError(t, processor.Start(context.Background()))

	processor.OnTick(tick("BTCUSDT", 10))
	processor.OnTick(tick("BTCUSDT", 20))

	require.NoError(t, processor.Stop())

	events := publisher.captured()
	require.Len(t, events, 1, "one event per touched symbol per batch")
	assert.True(t, events[0].(*domain.PriceChangedEvent).NewPrice.Equal(decimal.NewFromInt(20)))

	call, ok := valuer.lastCall()
	require.True(t, ok)
	assert.Equal(t, "pf-1", call.portfolioID)
	assert.True(t, call.prices["BTCUSDT"].Equal(decimal.NewFromInt(20)))
}

func TestTickProcessor_PriceChangedCarriesPreviousPrice(t *testing.T) {
	publisher := &capturingPublisher{}
	cfg := fastConfig()
	cfg.BatchTimeout = 20 * time.Millisecond
	processor := NewTickProcessor(cfg, &fakeValuer{}, publisher, lock.NewMemoryLocker(), testLogger(), nil)

	require.NoError(t, processor.Start(context.Background()))

	processor.OnTick(tick("BTCUSDT", 10))
	require.Eventually(t, func() bool { return len(publisher.captured()) == 1 }, time.Second, 5*time.Millisecond)

	processor.OnTick(tick("BTCUSDT", 11))
	require.Eventually(t, func() bool { return len(publisher.captured()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, processor.Stop())

	events := publisher.captured()
	first := events[0].(*domain.PriceChangedEvent)
	assert.Nil(t, first.OldPrice, "first sighting has no previous price")
	assert.True(t, first.Delta.IsZero())

	second := events[1].(*domain.PriceChangedEvent)
	require.NotNil(t, second.OldPrice)
	assert.True(t, second.OldPrice.Equal(decimal.NewFromInt(10)))
	assert.True(t, second.Delta.Equal(decimal.NewFromInt(1)))
	assert.True(t, second.DeltaPct.Equal(decimal.NewFromInt(10)))
}

func TestTickProcessor_LockTimeoutSkipsPortfolio(t *testing.T) {
	valuer := &fakeValuer{}
	locker := lock.NewMemoryLocker()
	cfg := fastConfig()
	cfg.LockWait = 30 * time.Millisecond
	processor := NewTickProcessor(cfg, valuer, nil, locker, testLogger(), nil)
	processor.RegisterPortfolioSymbols("pf-1", []string{"BTCUSDT"})

	// 外部持有组合锁，处理器的等待预算必然耗尽
	guard, err := locker.Acquire(context.Background(), "pf-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotNil(t, guard)
	defer guard.Release(context.Background())

	require.NoError(t, processor.Start(context.Background()))
	processor.OnTick(tick("BTCUSDT", 100))

	require.Eventually(t, func() bool {
		return processor.Stats().LockTimeouts >= 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, processor.Stop())

	assert.Equal(t, 0, valuer.callCount(), "skipped portfolio must not be revalued")
}

func TestTickProcessor_PublishFailureDoesNotBlockOtherSymbols(t *testing.T) {
	valuer := &fakeValuer{}
	publisher := &capturingPublisher{failFn: func(e domain.DomainEvent) error {
		if pc, ok := e.(*domain.PriceChangedEvent); ok && pc.Symbol == "BAD" {
			return assert.AnError
		}
		return nil
	}}
	processor := NewTickProcessor(fastConfig(), valuer, publisher, lock.NewMemoryLocker(), testLogger(), nil)
	processor.RegisterPortfolioSymbols("pf-1", []string{"BAD", "GOOD"})

	require.NoError(t, processor.Start(context.Background()))
	processor.OnTick(tick("BAD", 1))
	processor.OnTick(tick("GOOD", 2))
	require.NoError(t, processor.Stop())

	events := publisher.captured()
	require.Len(t, events, 1)
	assert.Equal(t, "GOOD", events[0].(*domain.PriceChangedEvent).Symbol)

	// 重估仍然覆盖两个标的
	seen := make(map[string]bool)
	valuer.mu.Lock()
	for _, call := range valuer.calls {
		for symbol := range call.prices {
			seen[symbol] = true
		}
	}
	valuer.mu.Unlock()
	assert.True(t, seen["BAD"] && seen["GOOD"])
}

func TestTickProcessor_RejectsInvalidTick(t *testing.T) {
	processor := NewTickProcessor(fastConfig(), &fakeValuer{}, nil, lock.NewMemoryLocker(), testLogger(), nil)

	processor.OnTick(domain.PriceTick{Symbol: "BTCUSDT", Price: decimal.Zero})
	processor.OnTick(domain.PriceTick{Symbol: "", Price: decimal.NewFromInt(1)})

	stats := processor.Stats()
	assert.Equal(t, int64(2), stats.TicksRejected)
	assert.Equal(t, int64(0), stats.TicksSeen)
	assert.Equal(t, 0, stats.BufferLength)
}

func TestTickProcessor_DropsTicksAfterStop(t *testing.T) {
	publisher := &capturingPublisher{}
	processor := NewTickProcessor(fastConfig(), &fakeValuer{}, publisher, lock.NewMemoryLocker(), testLogger(), nil)

	require.NoError(t, processor.Start(context.Background()))
	processor.OnTick(tick("BTCUSDT", 100))
	require.NoError(t, processor.Stop())

	before := processor.Stats()
	processor.OnTick(tick("ETHUSDT", 200))

	stats := processor.Stats()
	assert.Equal(t, before.TicksSeen, stats.TicksSeen, "late tick must not be counted")
	assert.Equal(t, int64(0), stats.TicksRejected)
	assert.Equal(t, 0, stats.BufferLength, "late tick must not linger in the buffer")
	assert.Len(t, publisher.captured(), 1)
}

func TestTickProcessor_UnregisterStopsRevaluation(t *testing.T) {
	valuer := &fakeValuer{}
	processor := NewTickProcessor(fastConfig(), valuer, nil, lock.NewMemoryLocker(), testLogger(), nil)
	processor.RegisterPortfolioSymbols("pf-1", []string{"BTCUSDT"})
	processor.UnregisterPortfolioSymbols("pf-1")

	require.NoError(t, processor.Start(context.Background()))
	processor.OnTick(tick("BTCUSDT", 100))
	require.NoError(t, processor.Stop())

	assert.Equal(t, 0, valuer.callCount())
}

func TestTickProcessor_StateTransitions(t *testing.T) {
	processor := NewTickProcessor(fastConfig(), &fakeValuer{}, nil, lock.NewMemoryLocker(), testLogger(), nil)
	assert.Equal(t, StateStopped, processor.State())

	require.NoError(t, processor.Start(context.Background()))
	assert.Equal(t, StateRunning, processor.State())

	// 重复启动是空操作
	require.NoError(t, processor.Start(context.Background()))
	assert.Equal(t, StateRunning, processor.State())

	require.NoError(t, processor.Stop())
	assert.Equal(t, StateStopped, processor.State())

	// 重复停止是空操作
	require.NoError(t, processor.Stop())
	assert.Equal(t, StateStopped, processor.State())
}
