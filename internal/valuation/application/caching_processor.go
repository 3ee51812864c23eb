package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/cache"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/lock"
	"github.com/wyfcoding/valuationpipeline/pkg/metrics"
)

// CachingTickProcessor 带快照缓存的摄取处理器。
// 重估前先查组合快照缓存：命中直接供给聚合（省一次仓储读取），
// 未命中从仓储加载并回填；重估成功后无条件刷新缓存条目。
// 缓存仅作加速，版本冲突时条目被移除，权威数据始终在仓储。
type CachingTickProcessor struct {
	*TickProcessor

	repo     domain.PortfolioRepository
	snapshot *cache.SnapshotCache
}

// NewCachingTickProcessor 创建缓存变体处理器。
func NewCachingTickProcessor(cfg ProcessorConfig, valuer Valuer, repo domain.PortfolioRepository, snapshot *cache.SnapshotCache, publisher domain.EventPublisher, locker lock.Locker, logger *slog.Logger, m *metrics.Metrics) *CachingTickProcessor {
	p := &CachingTickProcessor{
		TickProcessor: NewTickProcessor(cfg, valuer, publisher, locker, logger, m),
		repo:          repo,
		snapshot:      snapshot,
	}
	p.TickProcessor.revalue = p.revalueCached
	return p
}

// CacheStats 返回快照缓存命中统计。
func (p *CachingTickProcessor) CacheStats() cache.Stats {
	return p.snapshot.Stats()
}

func (p *CachingTickProcessor) revalueCached(ctx context.Context, portfolioID string, prices map[string]decimal.Decimal) error {
	aggregate, hit := p.snapshot.Get(portfolioID)
	if hit {
		p.metrics.IncCacheHits()
	} else {
		p.metrics.IncCacheMisses()
		loaded, err := p.repo.FindByID(ctx, portfolioID)
		if err != nil {
			return fmt.Errorf("load portfolio %s: %w", portfolioID, err)
		}
		if loaded == nil {
			return fmt.Errorf("%w: %s", domain.ErrPortfolioNotFound, portfolioID)
		}
		p.snapshot.Put(loaded)
		p.metrics.IncCacheStores()
		aggregate = loaded
	}

	updated, err := p.valuer.RevalueWith(ctx, aggregate, prices, true)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// 快照已过期，移除后下轮走仓储
			p.snapshot.Remove(portfolioID)
		}
		return err
	}

	p.snapshot.Put(updated)
	p.metrics.IncCacheStores()
	return nil
}
