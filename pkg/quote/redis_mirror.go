// 文件: pkg/quote/redis_mirror.go
// 报价 Redis 镜像 - 重启后预热缓存
//
// Hash: quote:last  field=合约描述  value=Quote JSON
// 开盘中重启时，第一轮 MTM 不至于全部价格缺失
//
// 【写入】报价回调只记入待写集合 (同合约合并为最新一条)，
// 后台按周期批量写 Redis，Redis 变慢不影响报价消费

package quote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
)

const (
	lastQuotesKey = "quote:last"

	mirrorFlushInterval = time.Second
	mirrorWriteTimeout  = 2 * time.Second
)

// RedisMirror 报价镜像
type RedisMirror struct {
	rdb *redis.Client
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]Quote

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisMirror 创建
func NewRedisMirror(rdb *redis.Client, log *zap.Logger) *RedisMirror {
	return &RedisMirror{
		rdb:      rdb,
		log:      logger.OrNop(log).Named("quote_mirror"),
		pending:  make(map[string]Quote),
		stopChan: make(chan struct{}),
	}
}

// Attach 挂到缓存的更新回调上，只入队不写 Redis
func (m *RedisMirror) Attach(cache *Cache) {
	cache.OnUpdate(m.enqueue)
}

func (m *RedisMirror) enqueue(q Quote) {
	m.mu.Lock()
	m.pending[q.ContractDescriptor] = q
	m.mu.Unlock()
}

// Pending 待写入的合约数
func (m *RedisMirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Start 启动后台批量写入
func (m *RedisMirror) Start() {
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop 停止并做最后一次写入
func (m *RedisMirror) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *RedisMirror) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(mirrorFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			m.flushLogged()
			return
		case <-ticker.C:
			m.flushLogged()
		}
	}
}

func (m *RedisMirror) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		m.log.Debug("mirror quotes failed", zap.Int("pending", m.Pending()), zap.Error(err))
	}
}

// Flush 把待写集合一次写入
// 失败的报价放回待写集合，期间来了更新的以新报价为准
func (m *RedisMirror) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string]Quote, len(batch))
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	values := make([]any, 0, 2*len(batch))
	for desc, q := range batch {
		data, err := json.Marshal(q)
		if err != nil {
			continue
		}
		values = append(values, desc, data)
	}
	if len(values) == 0 {
		return nil
	}

	if err := m.rdb.HSet(ctx, lastQuotesKey, values...).Err(); err != nil {
		m.mu.Lock()
		for desc, q := range batch {
			if _, newer := m.pending[desc]; !newer {
				m.pending[desc] = q
			}
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Load 读全部
func (m *RedisMirror) Load(ctx context.Context) ([]Quote, error) {
	fields, err := m.rdb.HGetAll(ctx, lastQuotesKey).Result()
	if err != nil {
		return nil, err
	}
	quotes := make([]Quote, 0, len(fields))
	for field, raw := range fields {
		var q Quote
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			m.log.Warn("skip corrupt mirrored quote", zap.String("contract", field), zap.Error(err))
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// WarmUp 从镜像预热缓存
func (m *RedisMirror) WarmUp(ctx context.Context, cache *Cache) (int, error) {
	quotes, err := m.Load(ctx)
	if err != nil {
		return 0, err
	}
	n := cache.Restore(quotes)
	m.log.Info("quote cache warmed up", zap.Int("quotes", n))
	return n, nil
}
