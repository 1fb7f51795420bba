// 文件: pkg/pnl/mysql_repo.go
// 盈亏存储 MySQL 实现
//
// 【设计】
// - GORM + clause.OnConflict 实现覆盖写 (INSERT ... ON DUPLICATE KEY UPDATE)
// - 快照表只 INSERT，不提供更新入口
// - 佣金 upsert 只更新计算列，支付列交给对账方

package pnl

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pnl.com/pkg/calendar"
)

// 确保实现了接口
var _ Store = (*MySQLStore)(nil)

// MySQLStore MySQL 实现
type MySQLStore struct {
	db *gorm.DB
}

// NewMySQLStore 创建 MySQL 存储
func NewMySQLStore(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// AutoMigrate 建表/补列
func (r *MySQLStore) AutoMigrate() error {
	return r.db.AutoMigrate(Models()...)
}

// =============================================================================
// 快照
// =============================================================================

// InsertSnapshot 追加快照
func (r *MySQLStore) InsertSnapshot(ctx context.Context, s *IntradaySnapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(s).Error
}

// ListSnapshots 某账户某交易日的全部快照
func (r *MySQLStore) ListSnapshots(ctx context.Context, accountID, tradingDate string) ([]*IntradaySnapshot, error) {
	var snaps []*IntradaySnapshot
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND trading_date = ?", accountID, tradingDate).
		Order("snapshot_time ASC, id ASC").
		Find(&snaps).Error
	return snaps, err
}

// LatestSnapshot 最新快照
func (r *MySQLStore) LatestSnapshot(ctx context.Context, accountID string) (*IntradaySnapshot, error) {
	var snap IntradaySnapshot
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("snapshot_time DESC, id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// =============================================================================
// 日结
// =============================================================================

// UpsertDaily 覆盖写日结
func (r *MySQLStore) UpsertDaily(ctx context.Context, d *DailySummary) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "trading_date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"opening_balance",
				"closing_balance",
				"realized_pnl",
				"total_pnl",
				"trade_count",
				"total_volume",
				"total_commission_paid",
				"max_profit",
				"max_drawdown",
				"is_finalized",
			}),
		}).
		Create(d).Error
}

// GetDaily 查询单日
func (r *MySQLStore) GetDaily(ctx context.Context, accountID, tradingDate string) (*DailySummary, error) {
	var d DailySummary
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND trading_date = ?", accountID, tradingDate).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// LatestFinalizedDailyBefore 上一个已定稿交易日 (用于承接期初余额)
func (r *MySQLStore) LatestFinalizedDailyBefore(ctx context.Context, accountID, tradingDate string) (*DailySummary, error) {
	var d DailySummary
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND trading_date < ? AND is_finalized = ?", accountID, tradingDate, true).
		Order("trading_date DESC").
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListFinalizedDaily 当月已定稿日结
func (r *MySQLStore) ListFinalizedDaily(ctx context.Context, accountID string, year int, month time.Month) ([]*DailySummary, error) {
	first, last := calendar.MonthBounds(year, month)

	var days []*DailySummary
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND trading_date BETWEEN ? AND ? AND is_finalized = ?", accountID, first, last, true).
		Order("trading_date ASC").
		Find(&days).Error
	return days, err
}

// =============================================================================
// 月结
// =============================================================================

// UpsertMonthly 覆盖写月结
func (r *MySQLStore) UpsertMonthly(ctx context.Context, m *MonthlySummary) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "year"}, {Name: "month"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"realized_pnl",
				"total_pnl",
				"trading_days",
				"total_trades",
				"best_day_pnl",
				"worst_day_pnl",
				"winning_days",
				"losing_days",
			}),
		}).
		Create(m).Error
}

// GetMonthly 查询月结
func (r *MySQLStore) GetMonthly(ctx context.Context, accountID string, year int, month time.Month) (*MonthlySummary, error) {
	var m MonthlySummary
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND year = ? AND month = ?", accountID, year, int(month)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// =============================================================================
// 佣金
// =============================================================================

// GetCommission 查询佣金
func (r *MySQLStore) GetCommission(ctx context.Context, accountID string, year int, month time.Month) (*CommissionRecord, error) {
	var c CommissionRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND year = ? AND month = ?", accountID, year, int(month)).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCommission 覆盖写佣金
// 冲突时只更新计算列；新行的支付列取默认值 (未支付)
func (r *MySQLStore) UpsertCommission(ctx context.Context, c *CommissionRecord) error {
	if err := c.Validate(); err != nil {
		return err
	}
	row := *c
	row.IsPaid = false
	row.PaymentDate = nil
	row.PaymentReference = ""

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "year"}, {Name: "month"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"monthly_pnl",
				"commission_pct",
				"commission_amount",
				"payee_iban",
				"payee_email",
				"is_payable",
			}),
		}).
		Create(&row).Error
}

// =============================================================================
// 任务记录
// =============================================================================

// InsertRun 记录任务开始
func (r *MySQLStore) InsertRun(ctx context.Context, run *RollupRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// FinishRun 记录任务结束
func (r *MySQLStore) FinishRun(ctx context.Context, run *RollupRun) error {
	return r.db.WithContext(ctx).
		Model(&RollupRun{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]any{
			"finished_at": run.FinishedAt,
			"accounts":    run.Accounts,
			"succeeded":   run.Succeeded,
			"failed":      run.Failed,
		}).Error
}
