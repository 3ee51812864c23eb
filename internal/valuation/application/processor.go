package application

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/lock"
	"github.com/wyfcoding/valuationpipeline/pkg/metrics"
)

// ProcessorState 摄取处理器生命周期状态。
type ProcessorState int32

const (
	StateStopped ProcessorState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s ProcessorState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ProcessorConfig 摄取处理器配置。
type ProcessorConfig struct {
	// 条数阈值：缓冲达到即冲刷
	BatchSize int
	// 时间阈值：距上次冲刷超过即冲刷（缓冲非空时）
	BatchTimeout time.Duration
	// 冲刷条件检查间隔
	FlushInterval time.Duration
	// 组合锁 TTL，须覆盖最坏临界区耗时
	LockTTL time.Duration
	// 取锁等待预算，超预算跳过该组合
	LockWait time.Duration
}

func (c *ProcessorConfig) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
}

// ProcessorStats 处理器计数快照。
type ProcessorStats struct {
	State            string `json:"state"`
	TicksSeen        int64  `json:"ticks_seen"`
	TicksRejected    int64  `json:"ticks_rejected"`
	EventsPublished  int64  `json:"events_published"`
	BatchesProcessed int64  `json:"batches_processed"`
	Revaluations     int64  `json:"revaluations"`
	LockTimeouts     int64  `json:"lock_timeouts"`
	BufferLength     int    `json:"buffer_length"`
}

// TickProcessor 行情摄取处理器。
// OnTick 是 O(1) 的线程安全入队，可被任意并发来源调用；
// 单一冲刷协程按固定间隔检查条数/时间阈值，批内同标的后到价格覆盖先到，
// 每个受影响组合在其分布式锁保护下重估，取锁超预算则本轮跳过。
type TickProcessor struct {
	cfg       ProcessorConfig
	valuer    Valuer
	publisher domain.EventPublisher
	locker    lock.Locker
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// 受影响组合的重估入口，缓存变体会替换它。
	revalue func(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) error

	state atomic.Int32

	mu        sync.Mutex
	buffer    []domain.PriceTick
	lastFlush time.Time

	// 仅冲刷协程访问
	lastPrices map[string]decimal.Decimal

	interestsMu sync.RWMutex
	interests   map[string]map[string]struct{}

	adapters []domain.MarketDataAdapter

	cancel context.CancelFunc
	done   chan struct{}

	ticksSeen       atomic.Int64
	ticksRejected   atomic.Int64
	eventsPublished atomic.Int64
	batches         atomic.Int64
	revaluations    atomic.Int64
	lockTimeouts    atomic.Int64
}

// NewTickProcessor 创建摄取处理器。
func NewTickProcessor(cfg ProcessorConfig, valuer Valuer, publisher domain.EventPublisher, locker lock.Locker, logger *slog.Logger, m *metrics.Metrics) *TickProcessor {
	cfg.normalize()
	p := &TickProcessor{
		cfg:        cfg,
		valuer:     valuer,
		publisher:  publisher,
		locker:     locker,
		logger:     logger,
		metrics:    m,
		lastPrices: make(map[string]decimal.Decimal),
		interests:  make(map[string]map[string]struct{}),
		lastFlush:  time.Now(),
	}
	p.revalue = func(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) error {
		_, err := p.valuer.Revalue(ctx, portfolioID, prices, true)
		return err
	}
	return p
}

// AttachAdapter 挂载行情适配器，须在 Start 之前调用。
func (p *TickProcessor) AttachAdapter(adapter domain.MarketDataAdapter) {
	p.adapters = append(p.adapters, adapter)
}

// RegisterPortfolioSymbols 登记组合关注的标的，冲刷时按此分组触发重估。
// 重复登记覆盖旧集合。
func (p *TickProcessor) RegisterPortfolioSymbols(portfolioID string, symbols []string) {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	p.interestsMu.Lock()
	p.interests[portfolioID] = set
	p.interestsMu.Unlock()
}

// UnregisterPortfolioSymbols 注销组合的标的登记。
func (p *TickProcessor) UnregisterPortfolioSymbols(portfolioID string) {
	p.interestsMu.Lock()
	delete(p.interests, portfolioID)
	p.interestsMu.Unlock()
}

// OnTick 入队一条报价。非法报价在此丢弃并计数，合法报价追加到缓冲区；
// 处理器已停止时直接丢弃，不入缓冲也不计入 TicksSeen。
// 本方法绝不阻塞调用方。
func (p *TickProcessor) OnTick(tick domain.PriceTick) {
	if err := tick.Validate(); err != nil {
		p.ticksRejected.Add(1)
		p.metrics.IncTicksRejected()
		p.logger.Warn("tick rejected", "symbol", tick.Symbol, "error", err)
		return
	}

	// 状态检查与入队同锁：Stop 在终冲刷前置位 Stopped，
	// 终冲刷抽空缓冲后到达的报价必然在此被拒，不会滞留缓冲区。
	p.mu.Lock()
	if ProcessorState(p.state.Load()) == StateStopped {
		p.mu.Unlock()
		p.logger.Debug("tick dropped, processor not running", "symbol", tick.Symbol)
		return
	}
	p.buffer = append(p.buffer, tick)
	p.mu.Unlock()

	p.ticksSeen.Add(1)
	p.metrics.IncTicks()
}

// Start 启动处理器：注册回调并连接全部适配器，启动冲刷协程。
func (p *TickProcessor) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return nil
	}

	for _, adapter := range p.adapters {
		adapter.OnMessage(p.OnTick)
		if err := adapter.Connect(ctx); err != nil {
			p.logger.Error("adapter connect failed", "error", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.mu.Lock()
	p.lastFlush = time.Now()
	p.mu.Unlock()

	go p.flushLoop(loopCtx)
	p.state.Store(int32(StateRunning))
	p.logger.Info("tick processor started",
		"batch_size", p.cfg.BatchSize, "batch_timeout", p.cfg.BatchTimeout)
	return nil
}

// Stop 停止处理器：取消冲刷协程，断开全部适配器，最后同步冲刷残留缓冲。
// 终冲刷前状态已置 Stopped，此后到达的报价由 OnTick 丢弃，
// 已入队报价全部随终冲刷处理完毕。
func (p *TickProcessor) Stop() error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	p.cancel()
	<-p.done

	for _, adapter := range p.adapters {
		if err := adapter.Disconnect(); err != nil {
			p.logger.Warn("adapter disconnect failed", "error", err)
		}
	}

	p.state.Store(int32(StateStopped))
	p.flush(context.Background())

	p.logger.Info("tick processor stopped")
	return nil
}

// State 当前生命周期状态。
func (p *TickProcessor) State() ProcessorState {
	return ProcessorState(p.state.Load())
}

// Stats 返回计数快照。
func (p *TickProcessor) Stats() ProcessorStats {
	p.mu.Lock()
	buffered := len(p.buffer)
	p.mu.Unlock()
	return ProcessorStats{
		State:            p.State().String(),
		TicksSeen:        p.ticksSeen.Load(),
		TicksRejected:    p.ticksRejected.Load(),
		EventsPublished:  p.eventsPublished.Load(),
		BatchesProcessed: p.batches.Load(),
		Revaluations:     p.revaluations.Load(),
		LockTimeouts:     p.lockTimeouts.Load(),
		BufferLength:     buffered,
	}
}

func (p *TickProcessor) flushLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.shouldFlush() {
				p.flush(ctx)
			}
		}
	}
}

func (p *TickProcessor) shouldFlush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.buffer)
	if n >= p.cfg.BatchSize {
		return true
	}
	return n > 0 && time.Since(p.lastFlush) >= p.cfg.BatchTimeout
}

// flush 执行一轮冲刷：原子抽空缓冲、按标的取末次价格、
// 逐标的发布价格变更事件、按组合登记分组触发带锁重估。
func (p *TickProcessor) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.lastFlush = time.Now()
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.batches.Add(1)
	p.metrics.IncBatchesProcessed()

	// 批内同标的后到价格覆盖先到
	latest := make(map[string]domain.PriceTick, len(batch))
	for _, tick := range batch {
		latest[tick.Symbol] = tick
	}

	prices := make(map[string]decimal.Decimal, len(latest))
	for symbol, tick := range latest {
		p.publishPriceChanged(ctx, tick)
		prices[symbol] = tick.Price
		p.lastPrices[symbol] = tick.Price
	}

	for portfolioID, subset := range p.affectedPortfolios(prices) {
		p.revalueLocked(ctx, portfolioID, subset)
	}
}

// publishPriceChanged 尽力发布单标的价格变更事件，失败不阻断其余标的。
func (p *TickProcessor) publishPriceChanged(ctx context.Context, tick domain.PriceTick) {
	if p.publisher == nil {
		return
	}
	var oldPrice *decimal.Decimal
	if prev, ok := p.lastPrices[tick.Symbol]; ok {
		old := prev
		oldPrice = &old
	}
	event := domain.NewPriceChangedEvent(tick.Symbol, tick.Price, oldPrice, tick.Timestamp)
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.metrics.IncPublishFailures()
		p.logger.Warn("failed to publish price change",
			"symbol", tick.Symbol, "error", err)
		return
	}
	p.eventsPublished.Add(1)
	p.metrics.IncEventsPublished()
}

// affectedPortfolios 将本批标的与组合登记求交，返回组合到价格子集的映射。
func (p *TickProcessor) affectedPortfolios(prices map[string]decimal.Decimal) map[string]map[string]decimal.Decimal {
	p.interestsMu.RLock()
	defer p.interestsMu.RUnlock()

	affected := make(map[string]map[string]decimal.Decimal)
	for portfolioID, watched := range p.interests {
		subset := make(map[string]decimal.Decimal)
		for symbol, price := range prices {
			if _, ok := watched[symbol]; ok {
				subset[symbol] = price
			}
		}
		if len(subset) > 0 {
			affected[portfolioID] = subset
		}
	}
	return affected
}

// revalueLocked 在组合分布式锁保护下重估；取锁超预算则记警告跳过，
// 任意退出路径都保证释放锁。
func (p *TickProcessor) revalueLocked(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) {
	guard, err := p.locker.Acquire(ctx, portfolioID, p.cfg.LockTTL, p.cfg.LockWait)
	if err != nil {
		p.logger.Warn("portfolio lock acquire failed",
			"portfolio_id", portfolioID, "error", err)
		return
	}
	if guard == nil {
		p.lockTimeouts.Add(1)
		p.metrics.IncLockTimeouts()
		p.logger.Warn("portfolio lock wait budget expired, skipping",
			"portfolio_id", portfolioID, "wait", p.cfg.LockWait)
		return
	}
	defer func() {
		// 即使外层 ctx 已取消也要完成释放
		if _, err := guard.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("portfolio lock release failed",
				"portfolio_id", portfolioID, "error", err)
		}
	}()

	if err := p.revalue(ctx, portfolioID, prices); err != nil {
		p.logger.Warn("revaluation failed",
			"portfolio_id", portfolioID, "error", err)
		return
	}
	p.revaluations.Add(1)
}
