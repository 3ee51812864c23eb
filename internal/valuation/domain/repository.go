package domain

import "context"

// PortfolioRepository 组合仓储端口。
// Save 以版本号做乐观并发检查，版本过期返回 ErrVersionConflict，
// 成功写入后聚合的 Version 递增。
type PortfolioRepository interface {
	// FindByID 按 ID 加载聚合，不存在时返回 nil, nil。
	FindByID(ctx context.Context, id string) (*Portfolio, error)
	// Save 带版本检查写回聚合。
	Save(ctx context.Context, p *Portfolio) error
	// FindAll 返回最多 limit 个聚合。
	FindAll(ctx context.Context, limit int) ([]*Portfolio, error)
}
