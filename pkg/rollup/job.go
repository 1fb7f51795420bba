// 文件: pkg/rollup/job.go
// 汇总任务公共部分 - 运行记录、并发执行、事件
//
// 日结/月结都是 "重算并覆盖"，同一周期跑多少次结果都一样

package rollup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pnl.com/pkg/idgen"
	"pnl.com/pkg/pnl"
)

// 任务名
const (
	JobDaily   = "daily"
	JobMonthly = "monthly"
)

// 触发来源
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// AccountLister 被监控账户来源 (registry.Registry)
type AccountLister interface {
	Accounts() []string
}

// StaticAccounts 固定账户列表 (CLI 手动补跑)
type StaticAccounts []string

func (s StaticAccounts) Accounts() []string {
	return append([]string(nil), s...)
}

// Report 一次运行的结果
type Report struct {
	RunID     string
	Job       string
	Period    string
	Accounts  int
	Succeeded int
	Failed    int
	Errors    map[string]error
}

// OK 是否全部成功
func (r *Report) OK() bool {
	return r.Failed == 0
}

// FailedAccounts 失败的账户
func (r *Report) FailedAccounts() []string {
	out := make([]string, 0, len(r.Errors))
	for id := range r.Errors {
		out = append(out, id)
	}
	return out
}

// runner 两个任务共用的执行框架
type runner struct {
	runs    pnl.RunRepository
	workers int
	log     *zap.Logger
	now     func() time.Time
}

// execute 记运行日志，按 worker 上限并发处理各账户
// 单账户失败 (含 panic) 只计入报告，不影响其他账户
func (r *runner) execute(
	ctx context.Context,
	job, period, trigger string,
	accounts []string,
	fn func(ctx context.Context, accountID string) error,
) *Report {
	report := &Report{
		RunID:    idgen.NewRunID(),
		Job:      job,
		Period:   period,
		Accounts: len(accounts),
		Errors:   make(map[string]error),
	}

	run := &pnl.RollupRun{
		RunID:     report.RunID,
		Job:       job,
		Period:    period,
		Trigger:   trigger,
		StartedAt: r.now().UTC(),
		Accounts:  len(accounts),
	}
	if err := r.runs.InsertRun(ctx, run); err != nil {
		r.log.Warn("insert run log failed", zap.String("run_id", run.RunID), zap.Error(err))
	}

	ctx = context.WithValue(ctx, runIDKey{}, report.RunID)

	workers := r.workers
	if workers <= 0 {
		workers = 1
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, workers)
	)
	for _, id := range accounts {
		wg.Add(1)
		sem <- struct{}{}

		go func(accountID string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := safeCall(ctx, accountID, fn)

			mu.Lock()
			if err != nil {
				report.Failed++
				report.Errors[accountID] = err
			} else {
				report.Succeeded++
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	finished := r.now().UTC()
	run.FinishedAt = &finished
	run.Succeeded = report.Succeeded
	run.Failed = report.Failed
	if err := r.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		r.log.Warn("finish run log failed", zap.String("run_id", run.RunID), zap.Error(err))
	}

	r.log.Info("rollup finished",
		zap.String("job", job),
		zap.String("period", period),
		zap.String("run_id", report.RunID),
		zap.String("trigger", trigger),
		zap.Int("accounts", report.Accounts),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report
}

type runIDKey struct{}

// runIDFrom 当前运行 ID，事件里带上便于追溯
func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func safeCall(ctx context.Context, accountID string, fn func(context.Context, string) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, accountID)
}
