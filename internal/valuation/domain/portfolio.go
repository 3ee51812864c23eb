package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio 投资组合聚合根。
// Version 在每次成功写入后单调递增，用于乐观并发控制；
// 聚合在一次重估期间由持有 lock:<id> 的进程独占。
type Portfolio struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Cash           decimal.Decimal      `json:"cash"`
	InitialCapital decimal.Decimal      `json:"initial_capital"`
	Positions      map[string]*Position `json:"positions"`
	Version        int64                `json:"version"`

	// 平仓统计，用于胜率计算
	ClosedTrades  int `json:"closed_trades"`
	WinningTrades int `json:"winning_trades"`

	// 重估派生值
	HoldingsValue  decimal.Decimal `json:"holdings_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
	WinRatePct     decimal.Decimal `json:"win_rate_pct"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Position 单一标的持仓，仅允许通过估值服务变更。
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

var (
	ErrPortfolioNotFound = errors.New("portfolio not found")
	ErrVersionConflict   = errors.New("portfolio version conflict")
)

// NewPortfolio 创建新组合，初始资金即现金。
func NewPortfolio(id, name string, initialCapital decimal.Decimal) *Portfolio {
	return &Portfolio{
		ID:             id,
		Name:           name,
		Cash:           initialCapital,
		InitialCapital: initialCapital,
		Positions:      make(map[string]*Position),
		UpdatedAt:      time.Now(),
	}
}

// MarketValue 持仓市值 = 数量 × 现价。
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// UnrealizedPnL 未实现盈亏。
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.Sub(p.AvgCost).Mul(p.Quantity)
}

// AddPosition 建仓或加仓，按成本加权更新均价，扣减现金。
func (p *Portfolio) AddPosition(symbol string, qty, price decimal.Decimal) {
	cost := qty.Mul(price)
	pos, ok := p.Positions[symbol]
	if !ok {
		p.Positions[symbol] = &Position{
			Symbol:       symbol,
			Quantity:     qty,
			AvgCost:      price,
			CurrentPrice: price,
		}
		p.Cash = p.Cash.Sub(cost)
		return
	}
	total := pos.AvgCost.Mul(pos.Quantity).Add(cost)
	pos.Quantity = pos.Quantity.Add(qty)
	if !pos.Quantity.IsZero() {
		pos.AvgCost = total.Div(pos.Quantity)
	}
	pos.CurrentPrice = price
	p.Cash = p.Cash.Sub(cost)
}

// ClosePosition 平仓，记录平仓盈亏统计并回笼现金。
func (p *Portfolio) ClosePosition(symbol string, price decimal.Decimal) bool {
	pos, ok := p.Positions[symbol]
	if !ok {
		return false
	}
	proceeds := pos.Quantity.Mul(price)
	p.Cash = p.Cash.Add(proceeds)
	p.ClosedTrades++
	if price.GreaterThan(pos.AvgCost) {
		p.WinningTrades++
	}
	delete(p.Positions, symbol)
	return true
}

// ApplyPrice 将最新价格应用到对应持仓；无该持仓时返回 false。
func (p *Portfolio) ApplyPrice(symbol string, price decimal.Decimal) bool {
	pos, ok := p.Positions[symbol]
	if !ok {
		return false
	}
	pos.CurrentPrice = price
	return true
}

// ApplyPrices 批量应用价格，返回实际命中持仓的标的。
// 未出现在 prices 中的持仓保持原价不变。
func (p *Portfolio) ApplyPrices(prices map[string]decimal.Decimal) []string {
	applied := make([]string, 0, len(prices))
	for symbol, price := range prices {
		if p.ApplyPrice(symbol, price) {
			applied = append(applied, symbol)
		}
	}
	return applied
}

// Recalculate 重算派生指标：
// 持仓市值 = Σ 数量×现价；总收益率 = (持仓+现金-初始)/初始×100；
// 胜率 = 盈利平仓 / 全部平仓 ×100。
func (p *Portfolio) Recalculate() {
	holdings := decimal.Zero
	for _, pos := range p.Positions {
		holdings = holdings.Add(pos.MarketValue())
	}
	p.RecalculateWithHoldings(holdings)
}

// RecalculateWithHoldings 以外部维护的持仓市值重算派生指标，
// 供增量估值路径使用，避免对全部持仓求和。
func (p *Portfolio) RecalculateWithHoldings(holdings decimal.Decimal) {
	p.HoldingsValue = holdings
	p.TotalValue = holdings.Add(p.Cash)
	if p.InitialCapital.IsPositive() {
		p.TotalReturnPct = p.TotalValue.Sub(p.InitialCapital).
			Div(p.InitialCapital).Mul(decimal.NewFromInt(100))
	} else {
		p.TotalReturnPct = decimal.Zero
	}
	if p.ClosedTrades > 0 {
		p.WinRatePct = decimal.NewFromInt(int64(p.WinningTrades)).
			Div(decimal.NewFromInt(int64(p.ClosedTrades))).Mul(decimal.NewFromInt(100))
	} else {
		p.WinRatePct = decimal.Zero
	}
	p.UpdatedAt = time.Now()
}

// Symbols 返回当前全部持仓标的。
func (p *Portfolio) Symbols() []string {
	symbols := make([]string, 0, len(p.Positions))
	for s := range p.Positions {
		symbols = append(symbols, s)
	}
	return symbols
}

// Clone 深拷贝聚合，缓存与内存仓储依赖它隔离共享状态。
func (p *Portfolio) Clone() *Portfolio {
	cp := *p
	cp.Positions = make(map[string]*Position, len(p.Positions))
	for s, pos := range p.Positions {
		pc := *pos
		cp.Positions[s] = &pc
	}
	return &cp
}
