// 文件: pkg/quote/cache.go
// 报价缓存 - 每个合约最近一次成交价/报价

package quote

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidQuote = errors.New("invalid quote")

// Quote 一条报价
type Quote struct {
	ContractDescriptor string          `json:"contract_descriptor"`
	Price              decimal.Decimal `json:"price"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Validate 合约描述非空，价格为正
func (q Quote) Validate() error {
	if q.ContractDescriptor == "" {
		return errors.Join(ErrInvalidQuote, errors.New("empty contract descriptor"))
	}
	if !q.Price.IsPositive() {
		return errors.Join(ErrInvalidQuote, errors.New("non-positive price "+q.Price.String()))
	}
	return nil
}

// =============================================================================
// Cache - 报价缓存
// =============================================================================

// Cache 单层 key/value，key 为合约描述
//
// 【并发】
// 写入方是各行情流，读取方是 MTM 计算；只要求最后写入者胜出，
// 值本身只是"最近已知价格"，不是账目
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote

	// 更新回调 (Redis 镜像)
	onUpdate func(q Quote)
}

// NewCache 创建缓存
func NewCache() *Cache {
	return &Cache{
		quotes: make(map[string]Quote),
	}
}

// Update 覆盖写
func (c *Cache) Update(q Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.quotes[q.ContractDescriptor] = q
	cb := c.onUpdate
	c.mu.Unlock()

	if cb != nil {
		cb(q)
	}
	return nil
}

// Price 最近价格
func (c *Cache) Price(descriptor string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[descriptor]
	if !ok {
		return decimal.Zero, false
	}
	return q.Price, true
}

// Get 完整报价
func (c *Cache) Get(descriptor string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[descriptor]
	return q, ok
}

// All 全部报价的副本
func (c *Cache) All() map[string]Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Quote, len(c.quotes))
	for k, v := range c.quotes {
		out[k] = v
	}
	return out
}

// Len 缓存的合约数
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// OnUpdate 设置更新回调
// 回调在锁外执行，不能阻塞太久
func (c *Cache) OnUpdate(callback func(q Quote)) {
	c.mu.Lock()
	c.onUpdate = callback
	c.mu.Unlock()
}

// Restore 预热，不触发回调
func (c *Cache) Restore(quotes []Quote) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, q := range quotes {
		if q.Validate() != nil {
			continue
		}
		c.quotes[q.ContractDescriptor] = q
		n++
	}
	return n
}
