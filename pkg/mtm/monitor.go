// 文件: pkg/mtm/monitor.go
// 单账户计算循环 - 交给 registry 按账户起 goroutine
// 一个周期失败或 panic 只记日志，下个周期照常

package mtm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Run 账户循环，满足 registry.Runner
// 启动即算一次，之后按周期计算
func (c *Calculator) Run(ctx context.Context, accountID string) {
	c.log.Info("mtm loop started", zap.String("account", accountID), zap.Duration("interval", c.cfg.Interval))
	defer c.log.Info("mtm loop stopped", zap.String("account", accountID))

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.safeTick(ctx, accountID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.safeTick(ctx, accountID)
		}
	}
}

func (c *Calculator) safeTick(ctx context.Context, accountID string) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("mtm tick panicked", zap.String("account", accountID), zap.String("panic", fmt.Sprint(p)))
		}
	}()

	snap, err := c.Tick(ctx, accountID)
	if err != nil {
		// 停机过程中取消导致的失败不算错误
		if ctx.Err() != nil {
			return
		}
		c.log.Error("mtm tick failed", zap.String("account", accountID), zap.Error(err))
		return
	}
	if snap != nil {
		c.log.Debug("snapshot written",
			zap.String("account", accountID),
			zap.String("realized", snap.RealizedPnL.String()),
			zap.String("unrealized", snap.UnrealizedPnL.String()),
			zap.String("total", snap.TotalPnL.String()),
			zap.Int("positions", snap.OpenPositionCount))
	}
}
