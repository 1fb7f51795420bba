// 文件: pkg/registry/registry.go
// 跟单账户注册表
//
// 【职责】
// 1. 维护被监控的账户集合
// 2. 持有启动时注入的外部能力 (持仓查询、价格查询、行情订阅)
// 3. 每个账户一个独立 goroutine，运行中增删账户只影响该账户
//
// 【生命周期】
// Start 之前 Add 的账户在 Start 时统一起 loop；之后 Add 立即起 loop
// Remove 只取消该账户的 loop，已落库数据不动
// Stop 取消全部 loop 并等待在途的计算结束

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
	"pnl.com/pkg/pnl"
)

var (
	ErrEmptyAccount   = errors.New("empty account id")
	ErrAlreadyStarted = errors.New("registry already started")
)

// =============================================================================
// Collaborators - 注入的外部能力
// =============================================================================

// Collaborators 由网关/连接管理子系统实现
// 实现方负责让调用有界；这里还会再套一层超时
type Collaborators interface {
	// OpenPositions 账户当前未平仓持仓
	OpenPositions(ctx context.Context, accountID string) ([]pnl.Position, error)
	// MarketPrice 持仓最近成交价，没有返回 ok=false
	MarketPrice(ctx context.Context, pos pnl.Position) (price decimal.Decimal, ok bool, err error)
	// SubscribeQuotes 订阅行情，重复订阅同一合约无副作用
	SubscribeQuotes(ctx context.Context, contractDescriptor string) error
}

// Funcs 用函数拼出 Collaborators，nil 字段视为不支持
type Funcs struct {
	PositionsFunc func(ctx context.Context, accountID string) ([]pnl.Position, error)
	PriceFunc     func(ctx context.Context, pos pnl.Position) (decimal.Decimal, bool, error)
	SubscribeFunc func(ctx context.Context, contractDescriptor string) error
}

var _ Collaborators = Funcs{}

func (f Funcs) OpenPositions(ctx context.Context, accountID string) ([]pnl.Position, error) {
	if f.PositionsFunc == nil {
		return nil, nil
	}
	return f.PositionsFunc(ctx, accountID)
}

func (f Funcs) MarketPrice(ctx context.Context, pos pnl.Position) (decimal.Decimal, bool, error) {
	if f.PriceFunc == nil {
		return decimal.Zero, false, nil
	}
	return f.PriceFunc(ctx, pos)
}

func (f Funcs) SubscribeQuotes(ctx context.Context, contractDescriptor string) error {
	if f.SubscribeFunc == nil {
		return nil
	}
	return f.SubscribeFunc(ctx, contractDescriptor)
}

// =============================================================================
// Registry
// =============================================================================

// Runner 单账户循环，ctx 取消即退出
type Runner func(ctx context.Context, accountID string)

// loop 一个账户的运行句柄
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry 账户注册表
type Registry struct {
	collab Collaborators
	log    *zap.Logger

	mu       sync.Mutex
	accounts map[string]*loop // nil 值 = 已登记但未运行
	runner   Runner
	rootCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	onRemove []func(accountID string)
}

// New 创建注册表，collab 在进程生命周期内不变
func New(collab Collaborators, log *zap.Logger) *Registry {
	return &Registry{
		collab:   collab,
		log:      logger.OrNop(log).Named("registry"),
		accounts: make(map[string]*loop),
	}
}

// Collaborators 注入的外部能力
func (r *Registry) Collaborators() Collaborators {
	return r.collab
}

// OnRemove 账户移除后的回调 (释放内存状态)
func (r *Registry) OnRemove(fn func(accountID string)) {
	r.mu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.mu.Unlock()
}

// Add 登记账户，已在监控中则什么都不做
func (r *Registry) Add(accountID string) error {
	if accountID == "" {
		return ErrEmptyAccount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[accountID]; ok {
		return nil
	}
	r.accounts[accountID] = nil
	if r.runner != nil {
		r.startLocked(accountID)
	}
	r.log.Info("account added", zap.String("account", accountID))
	return nil
}

// Remove 移出监控，等待该账户在途计算结束后返回
func (r *Registry) Remove(accountID string) bool {
	r.mu.Lock()
	l, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.accounts, accountID)
	hooks := append([]func(string){}, r.onRemove...)
	r.mu.Unlock()

	if l != nil {
		l.cancel()
		<-l.done
	}
	for _, fn := range hooks {
		fn(accountID)
	}
	r.log.Info("account removed", zap.String("account", accountID))
	return true
}

// Contains 是否在监控中
func (r *Registry) Contains(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.accounts[accountID]
	return ok
}

// Accounts 当前账户列表 (排序，便于日志和测试)
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Start 为所有已登记账户起 loop
func (r *Registry) Start(ctx context.Context, runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runner != nil {
		return ErrAlreadyStarted
	}
	r.rootCtx, r.cancel = context.WithCancel(ctx)
	r.runner = runner
	for id := range r.accounts {
		r.startLocked(id)
	}
	r.log.Info("registry started", zap.Int("accounts", len(r.accounts)))
	return nil
}

// startLocked 调用方持有 r.mu
func (r *Registry) startLocked(accountID string) {
	ctx, cancel := context.WithCancel(r.rootCtx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	r.accounts[accountID] = l

	runner := r.runner
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(l.done)
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("account loop panicked",
					zap.String("account", accountID),
					zap.String("panic", fmt.Sprint(p)))
			}
		}()
		runner(ctx, accountID)
	}()
}

// Stop 取消全部 loop，等待在途写入完成
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	for id := range r.accounts {
		r.accounts[id] = nil
	}
	r.runner = nil
	r.cancel = nil
	r.mu.Unlock()
	r.log.Info("registry stopped")
}
