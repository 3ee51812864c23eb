// Package application 编排估值管道的用例层：行情摄取、批量冲刷与组合重估。
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
	"github.com/wyfcoding/valuationpipeline/pkg/metrics"
)

// Valuer 重估执行端口，摄取处理器依赖它触发估值。
type Valuer interface {
	// Revalue 按组合 ID 加载聚合并重估。
	Revalue(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error)
	// RevalueWith 对调用方已持有的聚合重估，跳过仓储读取。
	RevalueWith(ctx context.Context, p *domain.Portfolio, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error)
}

// ValuationStats 估值计数快照。
type ValuationStats struct {
	Attempted    int64   `json:"attempted"`
	Succeeded    int64   `json:"succeeded"`
	Conflicts    int64   `json:"conflicts"`
	SuccessRate  float64 `json:"success_rate"`
	ConflictRate float64 `json:"conflict_rate"`
}

// ValuationService 全量估值服务。
// 每次重估对全部持仓求和重算派生值，持久化依赖仓储的乐观并发检查；
// 版本冲突原样上抛，不做内部重试。
type ValuationService struct {
	repo      domain.PortfolioRepository
	publisher domain.EventPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	attempts  atomic.Int64
	successes atomic.Int64
	conflicts atomic.Int64
}

// NewValuationService 创建估值服务；publisher 可为 nil（不发布重估事件）。
func NewValuationService(repo domain.PortfolioRepository, publisher domain.EventPublisher, logger *slog.Logger, m *metrics.Metrics) *ValuationService {
	return &ValuationService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
	}
}

// Revalue 加载聚合并应用 prices 后重算派生值。
// 聚合不存在返回 ErrPortfolioNotFound；persist 为 true 时带版本检查写回。
func (s *ValuationService) Revalue(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error) {
	s.attempts.Add(1)
	s.metrics.IncRevaluationsAttempted()

	p, err := s.repo.FindByID(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("load portfolio %s: %w", portfolioID, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPortfolioNotFound, portfolioID)
	}
	return s.apply(ctx, p, prices, persist)
}

// RevalueWith 对调用方提供的聚合执行同样的重估流程（快照缓存命中路径）。
func (s *ValuationService) RevalueWith(ctx context.Context, p *domain.Portfolio, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error) {
	s.attempts.Add(1)
	s.metrics.IncRevaluationsAttempted()
	return s.apply(ctx, p, prices, persist)
}

func (s *ValuationService) apply(ctx context.Context, p *domain.Portfolio, prices map[string]decimal.Decimal, persist bool) (*domain.Portfolio, error) {
	p.ApplyPrices(prices)
	p.Recalculate()

	if persist {
		if err := s.repo.Save(ctx, p); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				s.conflicts.Add(1)
				s.metrics.IncVersionConflicts()
			}
			return nil, err
		}
	}

	s.successes.Add(1)
	s.metrics.IncRevaluationsSucceeded()
	s.publishRevalued(ctx, p, domain.RevaluationFull)
	return p, nil
}

// BatchRevalue 逐个组合独立重估；单个组合失败不影响其余组合。
// 返回失败组合到错误的映射，全部成功时为空。
func (s *ValuationService) BatchRevalue(ctx context.Context, portfolioIDs []string, prices map[string]decimal.Decimal) map[string]error {
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

// Stats 返回计数快照及派生比率。
func (s *ValuationService) Stats() ValuationStats {
	attempted := s.attempts.Load()
	stats := ValuationStats{
		Attempted: attempted,
		Succeeded: s.successes.Load(),
		Conflicts: s.conflicts.Load(),
	}
	if attempted > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(attempted)
		stats.ConflictRate = float64(stats.Conflicts) / float64(attempted)
	}
	return stats
}

// publishRevalued 持久化成功后尽力发布重估事件，失败仅记录日志。
func (s *ValuationService) publishRevalued(ctx context.Context, p *domain.Portfolio, mode domain.RevaluationMode) {
	if s.publisher == nil {
		return
	}
	event := domain.NewPortfolioRevaluedEvent(p, mode)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.metrics.IncPublishFailures()
		s.logger.Warn("failed to publish revaluation event",
			"portfolio_id", p.ID, "error", err)
		return
	}
	s.metrics.IncEventsPublished()
}
