// 文件: pkg/rollup/daily.go
// 日结 - 把某交易日的盘中快照汇总成一条定稿日结
//
// 【口径】
// - realized / trade_count / volume / commission: 由当日已落库成交重算
// - total_pnl = realized + 最后一条快照的浮动盈亏 (无快照按 0)
// - max_profit / max_drawdown: 当日各快照 total_pnl 与最终 total_pnl 的最大/最小值
// - opening_balance: 上一个已定稿日结的 closing_balance，首日取外部期初余额
// - closing_balance = opening_balance + total_pnl
//
// 不读任何 "已有日结"，重跑只会得到相同的行

package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"pnl.com/pkg/ledger"
	"pnl.com/pkg/logger"
	"pnl.com/pkg/pnl"
	"pnl.com/pkg/trace"
)

const volumeScale = 6

// OpeningBalanceSource 首个交易日的期初余额来源
type OpeningBalanceSource interface {
	OpeningBalance(accountID, tradingDate string) (decimal.Decimal, bool)
}

// StaticBalances 固定期初余额
type StaticBalances map[string]decimal.Decimal

func (s StaticBalances) OpeningBalance(accountID, _ string) (decimal.Decimal, bool) {
	v, ok := s[accountID]
	return v, ok
}

// DailyJob 日结任务
type DailyJob struct {
	runner
	accounts  AccountLister
	snapshots pnl.SnapshotRepository
	daily     pnl.DailyRepository
	fills     ledger.FillRepository
	balances  OpeningBalanceSource
	publisher Publisher
}

// DailyDeps 日结依赖
type DailyDeps struct {
	Accounts  AccountLister
	Store     pnl.Store
	Fills     ledger.FillRepository
	Balances  OpeningBalanceSource
	Publisher Publisher
	Workers   int
	Log       *zap.Logger
}

// NewDailyJob 创建
func NewDailyJob(deps DailyDeps) *DailyJob {
	if deps.Publisher == nil {
		deps.Publisher = NopPublisher{}
	}
	if deps.Balances == nil {
		deps.Balances = StaticBalances{}
	}
	return &DailyJob{
		runner: runner{
			runs:    deps.Store,
			workers: deps.Workers,
			log:     logger.OrNop(deps.Log).Named("daily_rollup"),
			now:     time.Now,
		},
		accounts:  deps.Accounts,
		snapshots: deps.Store,
		daily:     deps.Store,
		fills:     deps.Fills,
		balances:  deps.Balances,
		publisher: deps.Publisher,
	}
}

// Run 为所有监控账户汇总某交易日
func (j *DailyJob) Run(ctx context.Context, tradingDate, trigger string) *Report {
	ctx, span := trace.StartSpan(ctx, "rollup.daily",
		attribute.String("trading_date", tradingDate),
		attribute.String("trigger", trigger))

	report := j.execute(ctx, JobDaily, tradingDate, trigger, j.accounts.Accounts(),
		func(ctx context.Context, accountID string) error {
			summary, err := j.RollupAccount(ctx, accountID, tradingDate)
			if err != nil {
				j.log.Error("daily rollup failed",
					zap.String("account", accountID),
					zap.String("date", tradingDate),
					zap.Error(err))
				return err
			}
			j.publish(ctx, summary)
			return nil
		})

	var spanErr error
	if !report.OK() {
		spanErr = fmt.Errorf("%d accounts failed", report.Failed)
	}
	span.SetAttributes(attribute.String("run_id", report.RunID))
	trace.EndSpan(span, spanErr)
	return report
}

// Compute 只计算不落库
func (j *DailyJob) Compute(ctx context.Context, accountID, tradingDate string) (*pnl.DailySummary, error) {
	snaps, err := j.snapshots.ListSnapshots(ctx, accountID, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	fills, err := j.fills.ListFills(ctx, accountID, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	opening, err := j.openingBalance(ctx, accountID, tradingDate)
	if err != nil {
		return nil, err
	}

	totals := ledger.Summarize(fills)
	realized := totals.RealizedPnL.Round(pnl.MoneyScale)

	unrealized := decimal.Zero
	if n := len(snaps); n > 0 {
		unrealized = snaps[n-1].UnrealizedPnL
	}
	total := realized.Add(unrealized)

	maxProfit, maxDrawdown := total, total
	for _, s := range snaps {
		maxProfit = decimal.Max(maxProfit, s.TotalPnL)
		maxDrawdown = decimal.Min(maxDrawdown, s.TotalPnL)
	}

	return &pnl.DailySummary{
		AccountID:           accountID,
		TradingDate:         tradingDate,
		OpeningBalance:      opening,
		ClosingBalance:      opening.Add(total),
		RealizedPnL:         realized,
		TotalPnL:            total,
		TradeCount:          totals.TradeCount,
		TotalVolume:         totals.Volume.Round(volumeScale),
		TotalCommissionPaid: totals.CommissionPaid.Round(pnl.MoneyScale),
		MaxProfit:           maxProfit,
		MaxDrawdown:         maxDrawdown,
		IsFinalized:         true,
	}, nil
}

// RollupAccount 单账户日结并覆盖写
func (j *DailyJob) RollupAccount(ctx context.Context, accountID, tradingDate string) (*pnl.DailySummary, error) {
	ctx, span := trace.StartSpan(ctx, "rollup.daily.account", attribute.String("account", accountID))
	summary, err := j.Compute(ctx, accountID, tradingDate)
	if err == nil {
		err = j.daily.UpsertDaily(ctx, summary)
	}
	trace.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (j *DailyJob) openingBalance(ctx context.Context, accountID, tradingDate string) (decimal.Decimal, error) {
	prev, err := j.daily.LatestFinalizedDailyBefore(ctx, accountID, tradingDate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("previous daily: %w", err)
	}
	if prev != nil {
		return prev.ClosingBalance, nil
	}
	if v, ok := j.balances.OpeningBalance(accountID, tradingDate); ok {
		return v.Round(pnl.MoneyScale), nil
	}
	j.log.Warn("no opening balance, using zero", zap.String("account", accountID), zap.String("date", tradingDate))
	return decimal.Zero, nil
}

func (j *DailyJob) publish(ctx context.Context, s *pnl.DailySummary) {
	closing := s.ClosingBalance
	err := j.publisher.PublishRollup(ctx, &Event{
		Job:            JobDaily,
		RunID:          runIDFrom(ctx),
		AccountID:      s.AccountID,
		Period:         s.TradingDate,
		RealizedPnL:    s.RealizedPnL,
		TotalPnL:       s.TotalPnL,
		ClosingBalance: &closing,
	})
	if err != nil {
		j.log.Warn("publish daily event failed", zap.String("account", s.AccountID), zap.Error(err))
	}
}
