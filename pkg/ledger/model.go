// 文件: pkg/ledger/model.go
// 成交台账 - 数据模型
//
// trade_fills 保存原始成交，execution_id 唯一，用于审计和日结重算
// 已实现盈亏口径 (按成交现金流):
//   SELL: +price × qty × multiplier - commission
//   BUY:  -price × qty × multiplier - commission

package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidFill = errors.New("invalid trade fill")

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 兼容 B/S、BOT/SLD 写法
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "BOT":
		return SideBuy, nil
	case "SELL", "S", "SLD":
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidFill, s)
}

// ContractType 合约类型
type ContractType string

const (
	ContractStock  ContractType = "STK"
	ContractOption ContractType = "OPT"
)

// 合约乘数
var (
	stockMultiplier  = decimal.NewFromInt(1)
	optionMultiplier = decimal.NewFromInt(100)
)

// DefaultMultiplier 报文未带乘数时: 期权 100，其余 1
func DefaultMultiplier(ct ContractType) decimal.Decimal {
	if ct == ContractOption {
		return optionMultiplier
	}
	return stockMultiplier
}

// =============================================================================
// TradeFill - 原始成交
// =============================================================================

// TradeFill 一笔成交
type TradeFill struct {
	ID                 int64           `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ExecutionID        string          `gorm:"column:execution_id;type:varchar(128);not null;uniqueIndex:uk_fill_execution" json:"execution_id"`
	AccountID          string          `gorm:"column:account_id;type:varchar(64);not null;index:idx_fill_account_date,priority:1" json:"account_id"`
	TradingDate        string          `gorm:"column:trading_date;type:char(10);not null;index:idx_fill_account_date,priority:2" json:"trading_date"`
	Symbol             string          `gorm:"column:symbol;type:varchar(32);not null" json:"symbol"`
	ContractDescriptor string          `gorm:"column:contract_descriptor;type:varchar(96);not null" json:"contract_descriptor"`
	ContractType       ContractType    `gorm:"column:contract_type;type:varchar(8);not null" json:"contract_type"`
	Side               Side            `gorm:"column:side;type:varchar(4);not null" json:"side"`
	Quantity           decimal.Decimal `gorm:"column:quantity;type:decimal(20,6);not null" json:"quantity"`
	Price              decimal.Decimal `gorm:"column:price;type:decimal(20,6);not null" json:"price"`
	Multiplier         decimal.Decimal `gorm:"column:multiplier;type:decimal(12,4);not null" json:"multiplier"`
	Commission         decimal.Decimal `gorm:"column:commission;type:decimal(20,4);not null" json:"commission"`
	OrderID            string          `gorm:"column:order_id;type:varchar(64)" json:"order_id"`
	ExecutedAt         time.Time       `gorm:"column:executed_at;type:datetime(6);not null" json:"executed_at"`
}

func (TradeFill) TableName() string {
	return "trade_fills"
}

// Validate 入库前检查
func (f *TradeFill) Validate() error {
	switch {
	case f.ExecutionID == "":
		return fmt.Errorf("%w: missing execution_id", ErrInvalidFill)
	case f.AccountID == "":
		return fmt.Errorf("%w: %s missing account_id", ErrInvalidFill, f.ExecutionID)
	case f.Symbol == "":
		return fmt.Errorf("%w: %s missing symbol", ErrInvalidFill, f.ExecutionID)
	case f.Side != SideBuy && f.Side != SideSell:
		return fmt.Errorf("%w: %s bad side %q", ErrInvalidFill, f.ExecutionID, f.Side)
	case !f.Quantity.IsPositive():
		return fmt.Errorf("%w: %s non-positive quantity %s", ErrInvalidFill, f.ExecutionID, f.Quantity)
	case f.Price.IsNegative():
		return fmt.Errorf("%w: %s negative price %s", ErrInvalidFill, f.ExecutionID, f.Price)
	case !f.Multiplier.IsPositive():
		return fmt.Errorf("%w: %s non-positive multiplier %s", ErrInvalidFill, f.ExecutionID, f.Multiplier)
	case f.TradingDate == "":
		return fmt.Errorf("%w: %s missing trading date", ErrInvalidFill, f.ExecutionID)
	}
	return nil
}

// Notional 成交额 price × qty × multiplier
func (f *TradeFill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity).Mul(f.Multiplier)
}

// RealizedDelta 对当日已实现盈亏的贡献
func (f *TradeFill) RealizedDelta() decimal.Decimal {
	n := f.Notional()
	if f.Side == SideBuy {
		n = n.Neg()
	}
	return n.Sub(f.Commission)
}

// =============================================================================
// Totals - 当日累计
// =============================================================================

// Totals 某账户某交易日的成交汇总
type Totals struct {
	RealizedPnL    decimal.Decimal
	TradeCount     int
	Volume         decimal.Decimal
	CommissionPaid decimal.Decimal
}

// Add 累加一笔
func (t *Totals) Add(f *TradeFill) {
	t.RealizedPnL = t.RealizedPnL.Add(f.RealizedDelta())
	t.TradeCount++
	t.Volume = t.Volume.Add(f.Quantity.Abs())
	t.CommissionPaid = t.CommissionPaid.Add(f.Commission)
}

// Summarize 从成交列表重算汇总 (日结用)
func Summarize(fills []*TradeFill) Totals {
	var t Totals
	for _, f := range fills {
		t.Add(f)
	}
	return t
}
