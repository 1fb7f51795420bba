// 文件: pkg/ledger/mysql_repo.go
// 成交存储 MySQL 实现
// uk_fill_execution 唯一索引 + INSERT IGNORE 语义保证至少一次投递下不重复

package ledger

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ FillRepository = (*MySQLFillRepository)(nil)

// MySQLFillRepository MySQL 实现
type MySQLFillRepository struct {
	db *gorm.DB
}

// NewMySQLFillRepository 创建
func NewMySQLFillRepository(db *gorm.DB) *MySQLFillRepository {
	return &MySQLFillRepository{db: db}
}

// AutoMigrate 建表
func (r *MySQLFillRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&TradeFill{})
}

// InsertFill 冲突时什么都不做，用影响行数判断是否新写入
func (r *MySQLFillRepository) InsertFill(ctx context.Context, f *TradeFill) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}},
			DoNothing: true,
		}).
		Create(f)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListFills 按成交时间升序
func (r *MySQLFillRepository) ListFills(ctx context.Context, accountID, tradingDate string) ([]*TradeFill, error) {
	var fills []*TradeFill
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND trading_date = ?", accountID, tradingDate).
		Order("executed_at ASC, id ASC").
		Find(&fills).Error
	return fills, err
}
