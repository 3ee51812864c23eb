package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
	"github.com/wyfcoding/valuationpipeline/pkg/metrics"
)

// defaultDeltaWindow 每组合保留的增量记录上限。
const defaultDeltaWindow = 64

// valuationSeed 组合的增量估值种子：上次计算的持仓市值与各标的末次应用价格。
type valuationSeed struct {
	holdings decimal.Decimal
	prices   map[string]decimal.Decimal
}

type deltaRecord struct {
	at    time.Time
	delta decimal.Decimal
}

// IncrementalValuationService 增量估值服务。
// 首次重估做全量求和并播种；此后仅对变更标的累加
// Δ = Σ (新价 − 种子价) × 数量，避免遍历全部持仓。
// 版本冲突会清除该组合的种子，下一次重估自动回退全量计算。
type IncrementalValuationService struct {
	*ValuationService

	mu          sync.Mutex
	seeds       map[string]*valuationSeed
	deltas      map[string][]deltaRecord
	deltaWindow int
}

// NewIncrementalValuationService 创建增量估值服务。
func NewIncrementalValuationService(repo domain.PortfolioRepository, publisher domain.EventPublisher, logger *slog.Logger, m *metrics.Metrics) *IncrementalValuationService {
	return &IncrementalValuationService{
		ValuationService: NewValuationService(repo, publisher, logger, m),
		seeds:            make(map[string]*valuationSeed),
		deltas:           make(map[string][]deltaRecord),
		deltaWindow:      defaultDeltaWindow,
	}
}

// Revalue 加载聚合后走增量路径；无种子时回退全量并播种。
func (s *IncrementalValuationService) Revalue(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error) {
	s.attempts.Add(1)
	s.metrics.IncRevaluationsAttempted()

	p, err := s.repo.FindByID(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("load portfolio %s: %w", portfolioID, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPortfolioNotFound, portfolioID)
	}
	return s.applyIncremental(ctx, p, prices, persist)
}

// RevalueWith 对调用方持有的聚合走增量路径。
func (s *IncrementalValuationService) RevalueWith(ctx context.Context, p *domain.Portfolio, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error) {
	s.attempts.Add(1)
	s.metrics.IncRevaluationsAttempted()
	return s.applyIncremental(ctx, p, prices, persist)
}

func (s *IncrementalValuationService) applyIncremental(ctx context.Context, p *domain.Portfolio, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error) {
	s.mu.Lock()
	seed, seeded := s.seeds[p.ID]
	s.mu.Unlock()

	var (
		holdings decimal.Decimal
		delta    decimal.Decimal
		mode     domain.RevaluationMode
	)

	if !seeded {
		// 全量：应用价格后逐持仓求和。
		p.ApplyPrices(prices)
		holdings = decimal.Zero
		for _, pos := range p.Positions {
			holdings = holdings.Add(pos.MarketValue())
		}
		mode = domain.RevaluationFull
	} else {
		// 增量：仅对命中持仓的变更标的累加差额。
		delta = decimal.Zero
		for symbol, price := range prices {
			pos, ok := p.Positions[symbol]
			if !ok {
				continue
			}
			old, ok := seed.prices[symbol]
			if !ok {
				old = pos.CurrentPrice
			}
			delta = delta.Add(price.Sub(old).Mul(pos.Quantity))
			pos.CurrentPrice = price
		}
		holdings = seed.holdings.Add(delta)
		mode = domain.RevaluationIncremental
	}

	p.RecalculateWithHoldings(holdings)

	if persist {
		if err := s.repo.Save(ctx, p); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				s.conflicts.Add(1)
				s.metrics.IncVersionConflicts()
				// 种子基于过期版本，丢弃后下次重估回退全量。
				s.ClearSeed(p.ID)
			}
			return nil, err
		}
	}

	s.commitSeed(p, prices, holdings, delta, mode)

	s.successes.Add(1)
	s.metrics.IncRevaluationsSucceeded()
	s.publishRevalued(ctx, p, mode)
	return p, nil
}

// commitSeed 持久化成功后更新种子与增量记录。
func (s *IncrementalValuationService) commitSeed(p *domain.Portfolio, prices map[string]decimal.Decimal, holdings, delta decimal.Decimal, mode domain.RevaluationMode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seed, ok := s.seeds[p.ID]
	if !ok || mode == domain.RevaluationFull {
		seed = &valuationSeed{prices: make(map[string]decimal.Decimal, len(p.Positions))}
		for symbol, pos := range p.Positions {
			seed.prices[symbol] = pos.CurrentPrice
		}
		s.seeds[p.ID] = seed
	} else {
		for symbol, price := range prices {
			if _, held := p.Positions[symbol]; held {
				seed.prices[symbol] = price
			}
		}
	}
	seed.holdings = holdings

	if mode == domain.RevaluationIncremental {
		records := append(s.deltas[p.ID], deltaRecord{at: time.Now(), delta: delta})
		if len(records) > s.deltaWindow {
			records = records[len(records)-s.deltaWindow:]
		}
		s.deltas[p.ID] = records
	}
}

// BatchRevalue 逐个组合走增量路径独立重估；单个组合失败不影响其余组合。
// 必须经由本方法而非提升的基类方法，否则种子不会随批量写入更新。
func (s *IncrementalValuationService) BatchRevalue(ctx context.Context, portfolioIDs []string, prices map[string]decimal.Decimal) map[string]error {
	failures := make(map[string]error)
	for _, id := range portfolioIDs {
		if _, err := s.Revalue(ctx, id, prices, true); err != nil {
			s.logger.Warn("batch revaluation failed",
				"portfolio_id", id, "error", err)
			failures[id] = err
		}
	}
	return failures
}

// ClearSeed 清除组合的种子与增量记录，下一次重估将执行全量计算。
func (s *IncrementalValuationService) ClearSeed(portfolioID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seeds, portfolioID)
	delete(s.deltas, portfolioID)
}

// Seeded 判断组合是否已有增量种子。
func (s *IncrementalValuationService) Seeded(portfolioID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seeds[portfolioID]
	return ok
}

// ChangeRate 返回最近 n 条增量记录的每秒平均市值变化。
// 记录不足两条或时间跨度为零时返回 0。
func (s *IncrementalValuationService) ChangeRate(portfolioID string, n int) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.deltas[portfolioID]
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	if len(records) < 2 {
		return decimal.Zero
	}

	elapsed := records[len(records)-1].at.Sub(records[0].at).Seconds()
	if elapsed <= 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.delta)
	}
	return sum.Div(decimal.NewFromFloat(elapsed))
}
