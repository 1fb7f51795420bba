// 文件: pkg/pnl/cache_repo.go
// 最新快照 Redis 缓存层
//
// 【设计模式】装饰器: 包装 SnapshotRepository，"当前盈亏" 查询走缓存
// - 写: 先写 DB，成功后直接覆盖缓存 (快照按时间单调递增，最新即最后写入)
// - 读: 先查 Redis，miss 则查 DB 并回填
// 缓存失败只影响查询速度，不影响落库

package pnl

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
)

var _ SnapshotRepository = (*CachedSnapshotRepository)(nil)

const (
	// pnl:latest:{accountID}
	latestSnapshotKeyPrefix = "pnl:latest:"

	latestSnapshotTTL = 24 * time.Hour
)

func latestSnapshotKey(accountID string) string {
	return latestSnapshotKeyPrefix + accountID
}

// CachedSnapshotRepository 带缓存的快照存储
type CachedSnapshotRepository struct {
	repo  SnapshotRepository
	redis *redis.Client
	log   *zap.Logger
}

// NewCachedSnapshotRepository 创建
//
// 用法:
//
//	store := NewMySQLStore(db)
//	snaps := NewCachedSnapshotRepository(store, rdb, log)
func NewCachedSnapshotRepository(repo SnapshotRepository, rds *redis.Client, log *zap.Logger) *CachedSnapshotRepository {
	return &CachedSnapshotRepository{
		repo:  repo,
		redis: rds,
		log:   logger.OrNop(log).Named("snapshot_cache"),
	}
}

// InsertSnapshot 写 DB + 覆盖缓存
func (r *CachedSnapshotRepository) InsertSnapshot(ctx context.Context, s *IntradaySnapshot) error {
	if err := r.repo.InsertSnapshot(ctx, s); err != nil {
		return err
	}
	r.setCache(ctx, s)
	return nil
}

// ListSnapshots 不缓存，日结需要完整一致的数据
func (r *CachedSnapshotRepository) ListSnapshots(ctx context.Context, accountID, tradingDate string) ([]*IntradaySnapshot, error) {
	return r.repo.ListSnapshots(ctx, accountID, tradingDate)
}

// LatestSnapshot 带缓存
func (r *CachedSnapshotRepository) LatestSnapshot(ctx context.Context, accountID string) (*IntradaySnapshot, error) {
	data, err := r.redis.Get(ctx, latestSnapshotKey(accountID)).Bytes()
	if err == nil {
		var snap IntradaySnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := r.repo.LatestSnapshot(ctx, accountID)
	if err != nil || snap == nil {
		return snap, err
	}
	r.setCache(ctx, snap)
	return snap, nil
}

func (r *CachedSnapshotRepository) setCache(ctx context.Context, s *IntradaySnapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, latestSnapshotKey(s.AccountID), data, latestSnapshotTTL).Err(); err != nil {
		r.log.Debug("cache latest snapshot failed", zap.String("account", s.AccountID), zap.Error(err))
	}
}
