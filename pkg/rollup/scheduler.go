// 文件: pkg/rollup/scheduler.go
// 汇总调度 - 按市场时区触发日结、月结
//
// 【触发规则】
// - 日结: 交易日 DailyAt (默认 16:30) 起 Window 内触发当日日结
// - 月结: 每月 1 日 MonthlyAt (默认 00:10) 起 Window 内触发上月月结
// - 同一周期成功一次后不再触发；有账户失败则间隔 RetryInterval 在窗口内重试
//
// 错过窗口 (进程停机) 不补跑，由运维用 CLI 手动触发

package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pnl.com/pkg/calendar"
	"pnl.com/pkg/logger"
)

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	DailyAt       string        `yaml:"daily_at"`
	MonthlyAt     string        `yaml:"monthly_at"`
	Window        time.Duration `yaml:"window"`
	CheckInterval time.Duration `yaml:"check_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DefaultSchedulerConfig 默认配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DailyAt:       "16:30",
		MonthlyAt:     "00:10",
		Window:        5 * time.Minute,
		CheckInterval: time.Second,
		RetryInterval: time.Minute,
	}
}

// Scheduler 汇总调度器
type Scheduler struct {
	cfg       SchedulerConfig
	dailyAt   calendar.Clock
	monthlyAt calendar.Clock
	cal       *calendar.Calendar
	daily     *DailyJob
	monthly   *MonthlyJob
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	done     map[string]bool
	attempts map[string]time.Time

	// 状态
	running  bool
	ctx      context.Context
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(cfg SchedulerConfig, cal *calendar.Calendar, daily *DailyJob, monthly *MonthlyJob, log *zap.Logger) (*Scheduler, error) {
	def := DefaultSchedulerConfig()
	if cfg.DailyAt == "" {
		cfg.DailyAt = def.DailyAt
	}
	if cfg.MonthlyAt == "" {
		cfg.MonthlyAt = def.MonthlyAt
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	dailyAt, err := calendar.ParseClock(cfg.DailyAt)
	if err != nil {
		return nil, fmt.Errorf("rollup.daily_at: %w", err)
	}
	monthlyAt, err := calendar.ParseClock(cfg.MonthlyAt)
	if err != nil {
		return nil, fmt.Errorf("rollup.monthly_at: %w", err)
	}
	if cal == nil {
		return nil, errors.New("scheduler needs a trading calendar")
	}

	return &Scheduler{
		cfg:       cfg,
		dailyAt:   dailyAt,
		monthlyAt: monthlyAt,
		cal:       cal,
		daily:     daily,
		monthly:   monthly,
		log:       logger.OrNop(log).Named("rollup_scheduler"),
		now:       time.Now,
		done:      make(map[string]bool),
		attempts:  make(map[string]time.Time),
		stopChan:  make(chan struct{}),
	}, nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动调度循环
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running {
		return errors.New("rollup scheduler already running")
	}
	s.running = true
	// 停机时正在跑的汇总要跑完
	s.ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go s.loop()

	s.log.Info("scheduler started",
		zap.String("daily_at", s.dailyAt.String()),
		zap.String("monthly_at", s.monthlyAt.String()),
		zap.String("timezone", s.cal.Location().String()))
	return nil
}

// Stop 停止并等待进行中的汇总结束
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.running = false

	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.check(s.ctx, s.now())
		}
	}
}

// =============================================================================
// 触发判断
// =============================================================================

// check 检查 now 是否落在某个触发窗口
func (s *Scheduler) check(ctx context.Context, now time.Time) {
	local := now.In(s.cal.Location())
	date := local.Format(calendar.DateLayout)

	if s.daily != nil && s.cal.IsTradingDay(now) {
		if at, err := s.cal.At(date, s.dailyAt); err == nil && s.inWindow(now, at) {
			s.fire(JobDaily+":"+date, now, func() bool {
				return s.daily.Run(ctx, date, TriggerSchedule).OK()
			})
		}
	}

	if s.monthly != nil && local.Day() == 1 {
		if at, err := s.cal.At(date, s.monthlyAt); err == nil && s.inWindow(now, at) {
			year, month := calendar.PreviousMonth(local.Year(), local.Month())
			s.fire(JobMonthly+":"+Period(year, month), now, func() bool {
				return s.monthly.Run(ctx, year, month, TriggerSchedule).OK()
			})
		}
	}
}

func (s *Scheduler) inWindow(now, at time.Time) bool {
	return !now.Before(at) && now.Before(at.Add(s.cfg.Window))
}

func (s *Scheduler) fire(key string, now time.Time, run func() bool) {
	s.mu.Lock()
	if s.done[key] {
		s.mu.Unlock()
		return
	}
	if last, ok := s.attempts[key]; ok && now.Sub(last) < s.cfg.RetryInterval {
		s.mu.Unlock()
		return
	}
	s.attempts[key] = now
	s.mu.Unlock()

	ok := run()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.done[key] = true
		delete(s.attempts, key)
		return
	}
	s.log.Warn("scheduled rollup incomplete, will retry within window",
		zap.String("key", key),
		zap.Duration("retry_in", s.cfg.RetryInterval))
}
