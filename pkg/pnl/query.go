// 文件: pkg/pnl/query.go
// 对外查询面 - 报表、看板、对账方通过这里读盈亏
package pnl

import (
	"context"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// QueryService 盈亏查询
type QueryService struct {
	snapshots SnapshotRepository
	store     Store
}

// NewQueryService snapshots 可以传带缓存的装饰器
func NewQueryService(snapshots SnapshotRepository, store Store) *QueryService {
	if snapshots == nil {
		snapshots = store
	}
	return &QueryService{snapshots: snapshots, store: store}
}

// CurrentPnL 当前盈亏 = 最新快照
func (q *QueryService) CurrentPnL(ctx context.Context, accountID string) (*IntradaySnapshot, error) {
	return q.snapshots.LatestSnapshot(ctx, accountID)
}

// MonthlyPnL 月度盈亏
func (q *QueryService) MonthlyPnL(ctx context.Context, accountID string, year int, month time.Month) (*MonthlySummary, error) {
	return q.store.GetMonthly(ctx, accountID, year, month)
}

// DailyPnL 月内逐日明细 (已定稿)
func (q *QueryService) DailyPnL(ctx context.Context, accountID string, year int, month time.Month) ([]*DailySummary, error) {
	return q.store.ListFinalizedDaily(ctx, accountID, year, month)
}

// Commission 月度佣金
func (q *QueryService) Commission(ctx context.Context, accountID string, year int, month time.Month) (*CommissionRecord, error) {
	return q.store.GetCommission(ctx, accountID, year, month)
}

// FormatAmount 按币种格式化金额，例如 FormatAmount(1223.75, "USD") = "$1,223.75"
// 只用于展示，计算一律用 decimal
func FormatAmount(d decimal.Decimal, currency string) string {
	if currency == "" {
		currency = money.USD
	}
	cur := money.GetCurrency(currency)
	if cur == nil {
		return d.StringFixed(2) + " " + currency
	}
	minor := d.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, currency).Display()
}
