package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

// portfolioRecord 组合持久化模型，持仓序列化为 JSON 列。
type portfolioRecord struct {
	gorm.Model
	PortfolioID    string          `gorm:"column:portfolio_id;type:varchar(64);uniqueIndex;not null"`
	Name           string          `gorm:"column:name;type:varchar(128);not null"`
	Cash           decimal.Decimal `gorm:"column:cash;type:decimal(20,8);not null"`
	InitialCapital decimal.Decimal `gorm:"column:initial_capital;type:decimal(20,8);not null"`
	Positions      string          `gorm:"column:positions;type:json"`
	Version        int64           `gorm:"column:version;not null;default:0"`
	ClosedTrades   int             `gorm:"column:closed_trades;not null;default:0"`
	WinningTrades  int             `gorm:"column:winning_trades;not null;default:0"`
	HoldingsValue  decimal.Decimal `gorm:"column:holdings_value;type:decimal(20,8);not null;default:0"`
	TotalValue     decimal.Decimal `gorm:"column:total_value;type:decimal(20,8);not null;default:0"`
	TotalReturnPct decimal.Decimal `gorm:"column:total_return_pct;type:decimal(12,6);not null;default:0"`
	WinRatePct     decimal.Decimal `gorm:"column:win_rate_pct;type:decimal(12,6);not null;default:0"`
	RevaluedAt     time.Time       `gorm:"column:revalued_at"`
}

func (portfolioRecord) TableName() string { return "portfolios" }

// PortfolioRepository 基于 GORM/MySQL 的组合仓储。
// Save 以 WHERE version = ? 的条件更新实现乐观并发：
// 影响行数为 0 即判定版本过期。
type PortfolioRepository struct {
	db *gorm.DB
}

// NewPortfolioRepository 创建 MySQL 仓储。
func NewPortfolioRepository(db *gorm.DB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// AutoMigrate 建表。
func (r *PortfolioRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&portfolioRecord{})
}

// FindByID 加载聚合，不存在时返回 nil, nil。
func (r *PortfolioRepository) FindByID(ctx context.Context, id string) (*domain.Portfolio, error) {
	var record portfolioRecord
	err := r.db.WithContext(ctx).Where("portfolio_id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find portfolio %s: %w", id, err)
	}
	return record.toDomain()
}

// Save 带版本检查写回；新聚合（Version 0）走插入，版本置 1。
func (r *PortfolioRepository) Save(ctx context.Context, p *domain.Portfolio) error {
	record, err := toRecord(p)
	if err != nil {
		return err
	}

	if p.Version == 0 {
		record.Version = 1
		if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("create portfolio %s: %w", p.ID, err)
		}
		p.Version = 1
		return nil
	}

	updates := map[string]any{
		"cash":             record.Cash,
		"initial_capital":  record.InitialCapital,
		"positions":        record.Positions,
		"closed_trades":    record.ClosedTrades,
		"winning_trades":   record.WinningTrades,
		"holdings_value":   record.HoldingsValue,
		"total_value":      record.TotalValue,
		"total_return_pct": record.TotalReturnPct,
		"win_rate_pct":     record.WinRatePct,
		"revalued_at":      record.RevaluedAt,
		"version":          p.Version + 1,
	}
	tx := r.db.WithContext(ctx).Model(&portfolioRecord{}).
		Where("portfolio_id = ? AND version = ?", p.ID, p.Version).
		Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("save portfolio %s: %w", p.ID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	p.Version++
	return nil
}

// FindAll 返回最多 limit 个聚合。
func (r *PortfolioRepository) FindAll(ctx context.Context, limit int) ([]*domain.Portfolio, error) {
	var records []portfolioRecord
	query := r.db.WithContext(ctx).Order("portfolio_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("find portfolios: %w", err)
	}
	out := make([]*domain.Portfolio, 0, len(records))
	for i := range records {
		p, err := records[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func toRecord(p *domain.Portfolio) (*portfolioRecord, error) {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return nil, fmt.Errorf("marshal positions for %s: %w", p.ID, err)
	}
	return &portfolioRecord{
		PortfolioID:    p.ID,
		Name:           p.Name,
		Cash:           p.Cash,
		InitialCapital: p.InitialCapital,
		Positions:      string(positions),
		Version:        p.Version,
		ClosedTrades:   p.ClosedTrades,
		WinningTrades:  p.WinningTrades,
		HoldingsValue:  p.HoldingsValue,
		TotalValue:     p.TotalValue,
		TotalReturnPct: p.TotalReturnPct,
		WinRatePct:     p.WinRatePct,
		RevaluedAt:     p.UpdatedAt,
	}, nil
}

func (r *portfolioRecord) toDomain() (*domain.Portfolio, error) {
	positions := make(map[string]*domain.Position)
	if r.Positions != "" {
		if err := json.Unmarshal([]byte(r.Positions), &positions); err != nil {
			return nil, fmt.Errorf("unmarshal positions for %s: %w", r.PortfolioID, err)
		}
	}
	return &domain.Portfolio{
		ID:             r.PortfolioID,
		Name:           r.Name,
		Cash:           r.Cash,
		InitialCapital: r.InitialCapital,
		Positions:      positions,
		Version:        r.Version,
		ClosedTrades:   r.ClosedTrades,
		WinningTrades:  r.WinningTrades,
		HoldingsValue:  r.HoldingsValue,
		TotalValue:     r.TotalValue,
		TotalReturnPct: r.TotalReturnPct,
		WinRatePct:     r.WinRatePct,
		UpdatedAt:      r.RevaluedAt,
	}, nil
}
