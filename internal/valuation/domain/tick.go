package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick 行情适配器推送的原始报价。
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
}

var ErrInvalidTick = errors.New("invalid price tick")

// Validate 校验报价合法性：价格必须为正，买卖价若存在同样必须为正。
// 非法报价在适配器边界丢弃，不进入缓冲区。
func (t PriceTick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidTick)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: non-positive price %s for %s", ErrInvalidTick, t.Price, t.Symbol)
	}
	if !t.Bid.IsZero() && t.Bid.IsNegative() {
		return fmt.Errorf("%w: negative bid for %s", ErrInvalidTick, t.Symbol)
	}
	if !t.Ask.IsZero() && t.Ask.IsNegative() {
		return fmt.Errorf("%w: negative ask for %s", ErrInvalidTick, t.Symbol)
	}
	return nil
}
