// 文件: pkg/pnl/repository.go
package pnl

import (
	"context"
	"time"
)

// SnapshotRepository 盘中快照存储 (只追加)
type SnapshotRepository interface {
	InsertSnapshot(ctx context.Context, s *IntradaySnapshot) error
	// ListSnapshots 按 snapshot_time 升序
	ListSnapshots(ctx context.Context, accountID, tradingDate string) ([]*IntradaySnapshot, error)
	// LatestSnapshot 没有快照返回 nil, nil
	LatestSnapshot(ctx context.Context, accountID string) (*IntradaySnapshot, error)
}

// DailyRepository 日结存储
type DailyRepository interface {
	UpsertDaily(ctx context.Context, d *DailySummary) error
	GetDaily(ctx context.Context, accountID, tradingDate string) (*DailySummary, error)
	// LatestFinalizedDailyBefore 严格早于 tradingDate 的最近一条已定稿日结
	LatestFinalizedDailyBefore(ctx context.Context, accountID, tradingDate string) (*DailySummary, error)
	// ListFinalizedDaily 当月已定稿日结，按日期升序
	ListFinalizedDaily(ctx context.Context, accountID string, year int, month time.Month) ([]*DailySummary, error)
}

// MonthlyRepository 月结存储
type MonthlyRepository interface {
	UpsertMonthly(ctx context.Context, m *MonthlySummary) error
	GetMonthly(ctx context.Context, accountID string, year int, month time.Month) (*MonthlySummary, error)
}

// CommissionRepository 佣金存储
type CommissionRepository interface {
	GetCommission(ctx context.Context, accountID string, year int, month time.Month) (*CommissionRecord, error)
	// UpsertCommission 覆盖计算字段，保留 is_paid / payment_date / payment_reference
	UpsertCommission(ctx context.Context, c *CommissionRecord) error
}

// RunRepository 任务运行记录
type RunRepository interface {
	InsertRun(ctx context.Context, r *RollupRun) error
	FinishRun(ctx context.Context, r *RollupRun) error
}

// Store 本引擎拥有的全部表
type Store interface {
	SnapshotRepository
	DailyRepository
	MonthlyRepository
	CommissionRepository
	RunRepository
}
