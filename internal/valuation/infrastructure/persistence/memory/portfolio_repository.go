// Package memory 提供进程内组合仓储，供测试与单进程部署使用。
package memory

import (
	"context"
	"sync"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

// PortfolioRepository 内存组合仓储。
// 存取均做深拷贝隔离，Save 以版本号做 CAS 检查。
type PortfolioRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.Portfolio
}

// NewPortfolioRepository 创建内存仓储。
func NewPortfolioRepository() *PortfolioRepository {
	return &PortfolioRepository{items: make(map[string]*domain.Portfolio)}
}

// FindByID 返回聚合副本，不存在时返回 nil, nil。
func (r *PortfolioRepository) FindByID(_ context.Context, id string) (*domain.Portfolio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// Save 写回聚合。已存在的记录要求版本号与加载时一致，
// 否则返回 ErrVersionConflict 且不落任何变更；成功后版本递增。
func (r *PortfolioRepository) Save(_ context.Context, p *domain.Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.items[p.ID]
	if ok && current.Version != p.Version {
		return domain.ErrVersionConflict
	}
	p.Version++
	r.items[p.ID] = p.Clone()
	return nil
}

// FindAll 返回最多 limit 个聚合副本；limit <= 0 表示不限。
func (r *PortfolioRepository) FindAll(_ context.Context, limit int) ([]*domain.Portfolio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Portfolio, 0, len(r.items))
	for _, p := range r.items {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, p.Clone())
	}
	return out, nil
}
