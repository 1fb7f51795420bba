// 文件: pkg/pnl/model.go
// 盈亏模块 - 数据模型
//
// 本引擎独占的四张表:
// - intraday_snapshots: 盘中快照 (只追加，不更新)
// - daily_summaries:    日结 (按 account_id + trading_date 覆盖写)
// - monthly_summaries:  月结 (按 account_id + year + month 覆盖写)
// - commission_records: 平台佣金 (覆盖写，但不动支付字段)
//
// 下游报表/对账直接读这些表，列名和类型变更必须配迁移

package pnl

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale 金额列小数位 (decimal(20,4))
const MoneyScale = 4

// ErrInvariantViolation 写入前的不变量校验失败，该次写入直接拒绝
var ErrInvariantViolation = errors.New("pnl invariant violation")

// =============================================================================
// Position - 持仓 (由外部回调提供，不落库)
// =============================================================================

// Position 未平仓持仓
// Quantity 带符号: 正数多头，负数空头
type Position struct {
	Symbol             string          `json:"symbol"`
	ContractDescriptor string          `json:"contract_descriptor"`
	Quantity           decimal.Decimal `json:"quantity"`
	AvgCost            decimal.Decimal `json:"avg_cost"`
	Multiplier         decimal.Decimal `json:"multiplier"`
}

// Key 持仓在报价缓存里的键，优先用合约描述
func (p Position) Key() string {
	if p.ContractDescriptor != "" {
		return p.ContractDescriptor
	}
	return p.Symbol
}

// EffectiveMultiplier 合约乘数，未设置按 1
func (p Position) EffectiveMultiplier() decimal.Decimal {
	if p.Multiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p.Multiplier
}

// UnrealizedPnL 浮动盈亏 = (市价 - 成本) × 数量 × 乘数
// 空头数量为负，符号自然反转
func (p Position) UnrealizedPnL(marketPrice decimal.Decimal) decimal.Decimal {
	return marketPrice.Sub(p.AvgCost).Mul(p.Quantity).Mul(p.EffectiveMultiplier())
}

// MarketValue 市值 (带符号)
func (p Position) MarketValue(marketPrice decimal.Decimal) decimal.Decimal {
	return marketPrice.Mul(p.Quantity).Mul(p.EffectiveMultiplier())
}

// =============================================================================
// IntradaySnapshot - 盘中快照
// =============================================================================

// IntradaySnapshot 每个计算周期写一条
type IntradaySnapshot struct {
	ID                  int64           `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	AccountID           string          `gorm:"column:account_id;type:varchar(64);not null;index:idx_snap_account_time,priority:1;index:idx_snap_account_date,priority:1" json:"account_id"`
	SnapshotTime        time.Time       `gorm:"column:snapshot_time;type:datetime(6);not null;index:idx_snap_account_time,priority:2" json:"snapshot_time"`
	TradingDate         string          `gorm:"column:trading_date;type:char(10);not null;index:idx_snap_account_date,priority:2" json:"trading_date"`
	RealizedPnL         decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,4);not null" json:"realized_pnl"`
	UnrealizedPnL       decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(20,4);not null" json:"unrealized_pnl"`
	TotalPnL            decimal.Decimal `gorm:"column:total_pnl;type:decimal(20,4);not null" json:"total_pnl"`
	OpenPositionCount   int             `gorm:"column:open_position_count;not null" json:"open_position_count"`
	TotalMarketValue    decimal.Decimal `gorm:"column:total_market_value;type:decimal(20,4);not null" json:"total_market_value"`
	TotalCommissionPaid decimal.Decimal `gorm:"column:total_commission_paid;type:decimal(20,4);not null" json:"total_commission_paid"`
}

func (IntradaySnapshot) TableName() string {
	return "intraday_snapshots"
}

// Validate total_pnl == realized_pnl + unrealized_pnl
func (s *IntradaySnapshot) Validate() error {
	if s.AccountID == "" || s.TradingDate == "" {
		return fmt.Errorf("%w: snapshot missing account or trading date", ErrInvariantViolation)
	}
	if !s.TotalPnL.Equal(s.RealizedPnL.Add(s.UnrealizedPnL)) {
		return fmt.Errorf("%w: snapshot %s@%s total %s != realized %s + unrealized %s",
			ErrInvariantViolation, s.AccountID, s.SnapshotTime.Format(time.RFC3339Nano),
			s.TotalPnL, s.RealizedPnL, s.UnrealizedPnL)
	}
	return nil
}

// =============================================================================
// DailySummary - 日结
// =============================================================================

// DailySummary 每账户每交易日一行
// 不带 updated_at 等时间戳，同样的输入重算结果逐字节一致
type DailySummary struct {
	AccountID           string          `gorm:"column:account_id;type:varchar(64);primaryKey" json:"account_id"`
	TradingDate         string          `gorm:"column:trading_date;type:char(10);primaryKey" json:"trading_date"`
	OpeningBalance      decimal.Decimal `gorm:"column:opening_balance;type:decimal(20,4);not null" json:"opening_balance"`
	ClosingBalance      decimal.Decimal `gorm:"column:closing_balance;type:decimal(20,4);not null" json:"closing_balance"`
	RealizedPnL         decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,4);not null" json:"realized_pnl"`
	TotalPnL            decimal.Decimal `gorm:"column:total_pnl;type:decimal(20,4);not null" json:"total_pnl"`
	TradeCount          int             `gorm:"column:trade_count;not null" json:"trade_count"`
	TotalVolume         decimal.Decimal `gorm:"column:total_volume;type:decimal(20,6);not null" json:"total_volume"`
	TotalCommissionPaid decimal.Decimal `gorm:"column:total_commission_paid;type:decimal(20,4);not null" json:"total_commission_paid"`
	MaxProfit           decimal.Decimal `gorm:"column:max_profit;type:decimal(20,4);not null" json:"max_profit"`
	MaxDrawdown         decimal.Decimal `gorm:"column:max_drawdown;type:decimal(20,4);not null" json:"max_drawdown"`
	IsFinalized         bool            `gorm:"column:is_finalized;not null;default:false;index" json:"is_finalized"`
}

func (DailySummary) TableName() string {
	return "daily_summaries"
}

// Validate closing_balance == opening_balance + total_pnl
func (d *DailySummary) Validate() error {
	if d.AccountID == "" || d.TradingDate == "" {
		return fmt.Errorf("%w: daily summary missing key", ErrInvariantViolation)
	}
	if !d.ClosingBalance.Equal(d.OpeningBalance.Add(d.TotalPnL)) {
		return fmt.Errorf("%w: daily %s/%s closing %s != opening %s + total %s",
			ErrInvariantViolation, d.AccountID, d.TradingDate,
			d.ClosingBalance, d.OpeningBalance, d.TotalPnL)
	}
	if d.TradeCount < 0 {
		return fmt.Errorf("%w: daily %s/%s negative trade count", ErrInvariantViolation, d.AccountID, d.TradingDate)
	}
	return nil
}

// =============================================================================
// MonthlySummary - 月结
// =============================================================================

// MonthlySummary 每账户每月一行，只由已定稿的日结推导
type MonthlySummary struct {
	AccountID   string          `gorm:"column:account_id;type:varchar(64);primaryKey" json:"account_id"`
	Year        int             `gorm:"column:year;primaryKey" json:"year"`
	Month       int             `gorm:"column:month;primaryKey" json:"month"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,4);not null" json:"realized_pnl"`
	TotalPnL    decimal.Decimal `gorm:"column:total_pnl;type:decimal(20,4);not null" json:"total_pnl"`
	TradingDays int             `gorm:"column:trading_days;not null" json:"trading_days"`
	TotalTrades int             `gorm:"column:total_trades;not null" json:"total_trades"`
	BestDayPnL  decimal.Decimal `gorm:"column:best_day_pnl;type:decimal(20,4);not null" json:"best_day_pnl"`
	WorstDayPnL decimal.Decimal `gorm:"column:worst_day_pnl;type:decimal(20,4);not null" json:"worst_day_pnl"`
	WinningDays int             `gorm:"column:winning_days;not null" json:"winning_days"`
	LosingDays  int             `gorm:"column:losing_days;not null" json:"losing_days"`
}

func (MonthlySummary) TableName() string {
	return "monthly_summaries"
}

// Validate 计数自洽
func (m *MonthlySummary) Validate() error {
	if m.AccountID == "" || m.Month < 1 || m.Month > 12 {
		return fmt.Errorf("%w: monthly summary bad key %s %d-%d", ErrInvariantViolation, m.AccountID, m.Year, m.Month)
	}
	if m.WinningDays+m.LosingDays > m.TradingDays {
		return fmt.Errorf("%w: monthly %s %d-%02d winning %d + losing %d > trading days %d",
			ErrInvariantViolation, m.AccountID, m.Year, m.Month, m.WinningDays, m.LosingDays, m.TradingDays)
	}
	return nil
}

// Period "2024-01"
func (m *MonthlySummary) Period() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// =============================================================================
// CommissionRecord - 平台佣金
// =============================================================================

// CommissionRecord 每账户每月一行
// is_paid / payment_date / payment_reference 只由外部对账方写入
type CommissionRecord struct {
	AccountID        string              `gorm:"column:account_id;type:varchar(64);primaryKey" json:"account_id"`
	Year             int                 `gorm:"column:year;primaryKey" json:"year"`
	Month            int                 `gorm:"column:month;primaryKey" json:"month"`
	MonthlyPnL       decimal.Decimal     `gorm:"column:monthly_pnl;type:decimal(20,4);not null" json:"monthly_pnl"`
	CommissionPct    decimal.NullDecimal `gorm:"column:commission_pct;type:decimal(8,6)" json:"commission_pct"`
	CommissionAmount decimal.NullDecimal `gorm:"column:commission_amount;type:decimal(20,4)" json:"commission_amount"` // NULL = 配置缺失未计算
	PayeeIBAN        string              `gorm:"column:payee_iban;type:varchar(34)" json:"payee_iban"`
	PayeeEmail       string              `gorm:"column:payee_email;type:varchar(255)" json:"payee_email"`
	IsPayable        bool                `gorm:"column:is_payable;not null;default:false" json:"is_payable"`
	IsPaid           bool                `gorm:"column:is_paid;not null;default:false" json:"is_paid"`
	PaymentDate      *time.Time          `gorm:"column:payment_date" json:"payment_date,omitempty"`
	PaymentReference string              `gorm:"column:payment_reference;type:varchar(128)" json:"payment_reference"`
}

func (CommissionRecord) TableName() string {
	return "commission_records"
}

// Validate
// is_payable == (monthly_pnl > 0)
// 可付时 amount == pct × pnl，否则 amount == 0
func (c *CommissionRecord) Validate() error {
	if c.IsPayable != c.MonthlyPnL.IsPositive() {
		return fmt.Errorf("%w: commission %s %d-%02d is_payable=%v but monthly pnl %s",
			ErrInvariantViolation, c.AccountID, c.Year, c.Month, c.IsPayable, c.MonthlyPnL)
	}
	if !c.CommissionAmount.Valid {
		if !c.IsPayable {
			return fmt.Errorf("%w: commission %s %d-%02d unpayable record must carry zero amount",
				ErrInvariantViolation, c.AccountID, c.Year, c.Month)
		}
		return nil
	}
	amount := c.CommissionAmount.Decimal
	if !c.IsPayable {
		if !amount.IsZero() {
			return fmt.Errorf("%w: commission %s %d-%02d unpayable but amount %s",
				ErrInvariantViolation, c.AccountID, c.Year, c.Month, amount)
		}
		return nil
	}
	if !c.CommissionPct.Valid {
		return fmt.Errorf("%w: commission %s %d-%02d amount without pct", ErrInvariantViolation, c.AccountID, c.Year, c.Month)
	}
	want := c.CommissionPct.Decimal.Mul(c.MonthlyPnL).Round(MoneyScale)
	if !amount.Equal(want) {
		return fmt.Errorf("%w: commission %s %d-%02d amount %s != pct %s × pnl %s",
			ErrInvariantViolation, c.AccountID, c.Year, c.Month, amount, c.CommissionPct.Decimal, c.MonthlyPnL)
	}
	return nil
}

// =============================================================================
// RollupRun - 任务运行记录
// =============================================================================

// RollupRun 每次日结/月结调用一行，仅用于运维审计
type RollupRun struct {
	RunID      string     `gorm:"column:run_id;type:char(26);primaryKey" json:"run_id"`
	Job        string     `gorm:"column:job;type:varchar(16);not null;index:idx_run_job_period,priority:1" json:"job"`
	Period     string     `gorm:"column:period;type:varchar(10);not null;index:idx_run_job_period,priority:2" json:"period"`
	Trigger    string     `gorm:"column:trigger_source;type:varchar(16);not null" json:"trigger"`
	StartedAt  time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Accounts   int        `gorm:"column:accounts;not null" json:"accounts"`
	Succeeded  int        `gorm:"column:succeeded;not null" json:"succeeded"`
	Failed     int        `gorm:"column:failed;not null" json:"failed"`
}

func (RollupRun) TableName() string {
	return "rollup_runs"
}

// Models 需要迁移的全部模型
func Models() []any {
	return []any{
		&IntradaySnapshot{},
		&DailySummary{},
		&MonthlySummary{},
		&CommissionRecord{},
		&RollupRun{},
	}
}
