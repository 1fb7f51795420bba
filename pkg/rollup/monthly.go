// 文件: pkg/rollup/monthly.go
// 月结 - 由当月已定稿日结推导，完成后触发佣金计算
//
// 缺失的交易日不会中断月结: trading_days 小于日历交易日数，记一条缺口告警

package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"pnl.com/pkg/calendar"
	"pnl.com/pkg/commission"
	"pnl.com/pkg/logger"
	"pnl.com/pkg/pnl"
	"pnl.com/pkg/trace"
)

// MonthlyJob 月结任务
type MonthlyJob struct {
	runner
	accounts   AccountLister
	daily      pnl.DailyRepository
	monthly    pnl.MonthlyRepository
	commission *commission.Service
	cal        *calendar.Calendar
	publisher  Publisher
}

// MonthlyDeps 月结依赖
type MonthlyDeps struct {
	Accounts   AccountLister
	Store      pnl.Store
	Commission *commission.Service
	Calendar   *calendar.Calendar
	Publisher  Publisher
	Workers    int
	Log        *zap.Logger
}

// NewMonthlyJob 创建
func NewMonthlyJob(deps MonthlyDeps) *MonthlyJob {
	if deps.Publisher == nil {
		deps.Publisher = NopPublisher{}
	}
	return &MonthlyJob{
		runner: runner{
			runs:    deps.Store,
			workers: deps.Workers,
			log:     logger.OrNop(deps.Log).Named("monthly_rollup"),
			now:     time.Now,
		},
		accounts:   deps.Accounts,
		daily:      deps.Store,
		monthly:    deps.Store,
		commission: deps.Commission,
		cal:        deps.Calendar,
		publisher:  deps.Publisher,
	}
}

// Period "2024-01"
func Period(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

// ParsePeriod 解析 "2024-01"
func ParsePeriod(s string) (int, time.Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return 0, 0, fmt.Errorf("bad period %q, want YYYY-MM", s)
	}
	return t.Year(), t.Month(), nil
}

// Run 为所有监控账户汇总某月
func (j *MonthlyJob) Run(ctx context.Context, year int, month time.Month, trigger string) *Report {
	period := Period(year, month)
	ctx, span := trace.StartSpan(ctx, "rollup.monthly",
		attribute.String("period", period),
		attribute.String("trigger", trigger))

	expected := 0
	if j.cal != nil {
		expected = j.cal.TradingDaysInMonth(year, month)
	}

	report := j.execute(ctx, JobMonthly, period, trigger, j.accounts.Accounts(),
		func(ctx context.Context, accountID string) error {
			summary, rec, err := j.RollupAccount(ctx, accountID, year, month)
			if err != nil {
				j.log.Error("monthly rollup failed",
					zap.String("account", accountID),
					zap.String("period", period),
					zap.Error(err))
				return err
			}
			if expected > 0 && summary.TradingDays < expected {
				j.log.Warn("monthly rollup gap: missing finalized days",
					zap.String("account", accountID),
					zap.String("period", period),
					zap.Int("trading_days", summary.TradingDays),
					zap.Int("expected_days", expected))
			}
			j.publish(ctx, summary, rec)
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

// Aggregate 纯函数: 已定稿日结 -> 月结
func Aggregate(accountID string, year int, month time.Month, days []*pnl.DailySummary) *pnl.MonthlySummary {
	m := &pnl.MonthlySummary{
		AccountID:   accountID,
		Year:        year,
		Month:       int(month),
		RealizedPnL: decimal.Zero,
		TotalPnL:    decimal.Zero,
		BestDayPnL:  decimal.Zero,
		WorstDayPnL: decimal.Zero,
	}
	for _, d := range days {
		if !d.IsFinalized {
			continue
		}
		m.RealizedPnL = m.RealizedPnL.Add(d.RealizedPnL)
		m.TotalPnL = m.TotalPnL.Add(d.TotalPnL)
		m.TradingDays++
		m.TotalTrades += d.TradeCount

		first := m.TradingDays == 1
		if first || d.TotalPnL.GreaterThan(m.BestDayPnL) {
			m.BestDayPnL = d.TotalPnL
		}
		if first || d.TotalPnL.LessThan(m.WorstDayPnL) {
			m.WorstDayPnL = d.TotalPnL
		}
		switch d.TotalPnL.Sign() {
		case 1:
			m.WinningDays++
		case -1:
			m.LosingDays++
		}
	}
	return m
}

// RollupAccount 单账户月结 + 佣金
func (j *MonthlyJob) RollupAccount(ctx context.Context, accountID string, year int, month time.Month) (*pnl.MonthlySummary, *pnl.CommissionRecord, error) {
	ctx, span := trace.StartSpan(ctx, "rollup.monthly.account", attribute.String("account", accountID))

	summary, rec, err := j.rollupAccount(ctx, accountID, year, month)
	trace.EndSpan(span, err)
	return summary, rec, err
}

func (j *MonthlyJob) rollupAccount(ctx context.Context, accountID string, year int, month time.Month) (*pnl.MonthlySummary, *pnl.CommissionRecord, error) {
	days, err := j.daily.ListFinalizedDaily(ctx, accountID, year, month)
	if err != nil {
		return nil, nil, fmt.Errorf("list finalized days: %w", err)
	}

	summary := Aggregate(accountID, year, month, days)
	if err := j.monthly.UpsertMonthly(ctx, summary); err != nil {
		return nil, nil, fmt.Errorf("upsert monthly: %w", err)
	}
	if j.commission == nil {
		return summary, nil, nil
	}
	rec, err := j.commission.Apply(ctx, summary)
	if err != nil {
		return summary, nil, err
	}
	return summary, rec, nil
}

func (j *MonthlyJob) publish(ctx context.Context, m *pnl.MonthlySummary, rec *pnl.CommissionRecord) {
	days := m.TradingDays
	e := &Event{
		Job:         JobMonthly,
		RunID:       runIDFrom(ctx),
		AccountID:   m.AccountID,
		Period:      m.Period(),
		RealizedPnL: m.RealizedPnL,
		TotalPnL:    m.TotalPnL,
		TradingDays: &days,
	}
	if rec != nil {
		payable := rec.IsPayable
		e.CommissionAmount = rec.CommissionAmount
		e.IsPayable = &payable
	}
	if err := j.publisher.PublishRollup(ctx, e); err != nil {
		j.log.Warn("publish monthly event failed", zap.String("account", m.AccountID), zap.Error(err))
	}
}
