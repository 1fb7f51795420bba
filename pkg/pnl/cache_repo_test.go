package pnl

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("PNL_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("skipping test; redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestCachedSnapshotRepository_LatestFromCache(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	const account = "cache-test-A1"
	require.NoError(t, rdb.Del(ctx, latestSnapshotKey(account)).Err())

	store := NewMemoryStore()
	repo := NewCachedSnapshotRepository(store, rdb, nil)
	t0 := time.Date(2024, 1, 16, 15, 0, 0, 0, time.UTC)

	require.NoError(t, repo.InsertSnapshot(ctx, snapAt(account, "2024-01-16", t0, "10")))
	require.NoError(t, repo.InsertSnapshot(ctx, snapAt(account, "2024-01-16", t0.Add(time.Minute), "20")))

	n, err := rdb.Exists(ctx, latestSnapshotKey(account)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	latest, err := repo.LatestSnapshot(ctx, account)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.TotalPnL.Equal(d("20")))

	// 缓存丢失后从底层存储回填
	require.NoError(t, rdb.Del(ctx, latestSnapshotKey(account)).Err())
	latest, err = repo.LatestSnapshot(ctx, account)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.TotalPnL.Equal(d("20")))
	n, _ = rdb.Exists(ctx, latestSnapshotKey(account)).Result()
	assert.Equal(t, int64(1), n)

	// 日结读取不走缓存
	list, err := repo.ListSnapshots(ctx, account, "2024-01-16")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCachedSnapshotRepository_InvalidSnapshotNotCached(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	const account = "cache-test-A2"
	require.NoError(t, rdb.Del(ctx, latestSnapshotKey(account)).Err())

	repo := NewCachedSnapshotRepository(NewMemoryStore(), rdb, nil)
	bad := snapAt(account, "2024-01-16", time.Now(), "10")
	bad.TotalPnL = d("11")

	assert.ErrorIs(t, repo.InsertSnapshot(ctx, bad), ErrInvariantViolation)
	n, err := rdb.Exists(ctx, latestSnapshotKey(account)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
