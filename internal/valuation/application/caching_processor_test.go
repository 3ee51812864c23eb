package application

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
	vcache "github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/cache"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/lock"
	"github.com/wyfcoding/valuationpipeline/internal/valuation/infrastructure/persistence/memory"
)

// countingRepo 统计仓储读取次数。
type countingRepo struct {
	domain.PortfolioRepository
	reads atomic.Int64
}

func (r *countingRepo) FindByID(ctx context.Context, id string) (*domain.Portfolio, error) {
	r.reads.Add(1)
	return r.PortfolioRepository.FindByID(ctx, id)
}

func newCachingFixture(t *testing.T) (*CachingTickProcessor, *countingRepo, *vcache.SnapshotCache) {
	t.Helper()
	repo := &countingRepo{PortfolioRepository: memory.NewPortfolioRepository()}
	snapshot, err := vcache.NewSnapshotCache(time.Minute, 8, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = snapshot.Close() })

	valuer := NewValuationService(repo, nil, testLogger(), nil)
	processor := NewCachingTickProcessor(fastConfig(), valuer, repo, snapshot, nil, lock.NewMemoryLocker(), testLogger(), nil)
	return processor, repo, snapshot
}

func TestCachingTickProcessor_HitSkipsRepositoryRead(t *testing.T) {
	processor, repo, _ := newCachingFixture(t)
	seedRepo(t, repo.PortfolioRepository)
	ctx := context.Background()

	// 首次：缓存未命中，读仓储并回填
	require.NoError(t, processor.revalueCached(ctx, "pf-1", map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(11),
	}))
	assert.Equal(t, int64(1), repo.reads.Load())

	// 再次：命中快照，不再读仓储
	require.NoError(t, processor.revalueCached(ctx, "pf-1", map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(12),
	}))
	assert.Equal(t, int64(1), repo.reads.Load(), "cache hit must skip the repository read")

	stats := processor.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	stored, err := repo.FindByID(ctx, "pf-1")
	require.NoError(t, err)
	assert.True(t, stored.Positions["AAPL"].CurrentPrice.Equal(decimal.NewFromInt(12)))
}

func TestCachingTickProcessor_RefreshAfterSuccess(t *testing.T) {
	processor, repo, snapshot := newCachingFixture(t)
	seedRepo(t, repo.PortfolioRepository)
	ctx := context.Background()

	require.NoError(t, processor.revalueCached(ctx, "pf-1", map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(11),
	}))

	cached, ok := snapshot.Get("pf-1")
	require.True(t, ok)
	assert.True(t, cached.Positions["AAPL"].CurrentPrice.Equal(decimal.NewFromInt(11)),
		"cache must hold the post-revaluation snapshot")
	assert.Equal(t, int64(2), cached.Version)
}

func TestCachingTickProcessor_ConflictEvictsSnapshot(t *testing.T) {
	processor, repo, snapshot := newCachingFixture(t)
	seedRepo(t, repo.PortfolioRepository)
	ctx := context.Background()

	// 播种缓存
	require.NoError(t, processor.revalueCached(ctx, "pf-1", map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(11),
	}))

	// 另一写入者绕过缓存推进版本，快照随之过期
	direct, err := repo.PortfolioRepository.FindByID(ctx, "pf-1")
	require.NoError(t, err)
	require.NoError(t, repo.PortfolioRepository.Save(ctx, direct))

	err = processor.revalueCached(ctx, "pf-1", map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(12),
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	_, ok := snapshot.Get("pf-1")
	assert.False(t, ok, "stale snapshot must be evicted on conflict")

	// 下一轮走仓储，重估恢复
	require.NoError(t, processor.revalueCached(ctx, "pf-1", map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(13),
	}))
	stored, err := repo.FindByID(ctx, "pf-1")
	require.NoError(t, err)
	assert.True(t, stored.Positions["AAPL"].CurrentPrice.Equal(decimal.NewFromInt(13)))
}

func TestCachingTickProcessor_NotFound(t *testing.T) {
	processor, _, _ := newCachingFixture(t)

	err := processor.revalueCached(context.Background(), "ghost", map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrPortfolioNotFound)
}

func TestCachingTickProcessor_EndToEndFlush(t *testing.T) {
	processor, repo, _ := newCachingFixture(t)
	seedRepo(t, repo.PortfolioRepository)
	processor.RegisterPortfolioSymbols("pf-1", []string{"AAPL"})

	require.NoError(t, processor.Start(context.Background()))
	processor.OnTick(domain.PriceTick{
		Symbol:    "AAPL",
		Price:     decimal.NewFromInt(15),
		Timestamp: time.Now(),
	})
	require.NoError(t, processor.Stop())

	stored, err := repo.FindByID(context.Background(), "pf-1")
	require.NoError(t, err)
	assert.True(t, stored.Positions["AAPL"].CurrentPrice.Equal(decimal.NewFromInt(15)))
	assert.True(t, stored.HoldingsValue.Equal(decimal.NewFromInt(1500)))
}
