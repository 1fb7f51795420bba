// 文件: pkg/quote/consumer.go
// 报价流消费 - 解析 quotes 报文写入缓存
// HandleNATS / HandleKafka 分别适配 pkg/nats 和 pkg/kafka 的回调签名

package quote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pnl.com/pkg/audit"
	"pnl.com/pkg/calendar"
	"pnl.com/pkg/logger"
)

// StreamName 报价流名 (NATS subject / Kafka topic)
const StreamName = "quotes"

// quoteMessage 报文: {contract_descriptor, price, timestamp}
type quoteMessage struct {
	ContractDescriptor string          `json:"contract_descriptor"`
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	Timestamp          json.RawMessage `json:"timestamp"`
}

// Decode 解析报价报文
func Decode(data []byte) (Quote, error) {
	var msg quoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	ts, err := calendar.ParseEventTime(msg.Timestamp)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	q := Quote{
		ContractDescriptor: msg.ContractDescriptor,
		Price:              msg.Price,
		Timestamp:          ts,
	}
	if q.ContractDescriptor == "" {
		q.ContractDescriptor = msg.Symbol
	}
	return q, q.Validate()
}

// Consumer 报价消费者
type Consumer struct {
	cache    *Cache
	recorder audit.Recorder
	log      *zap.Logger
}

// NewConsumer recorder 可为 nil
func NewConsumer(cache *Cache, recorder audit.Recorder, log *zap.Logger) *Consumer {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Consumer{cache: cache, recorder: recorder, log: logger.OrNop(log).Named("quote_consumer")}
}

// Handle 处理一条报文
// 坏报文返回错误由上层打日志，不中断消费
func (c *Consumer) Handle(data []byte) error {
	q, err := Decode(data)
	if err != nil {
		c.recorder.Record(StreamName, q.ContractDescriptor, data, audit.OutcomeRejected)
		return err
	}
	if err := c.cache.Update(q); err != nil {
		c.recorder.Record(StreamName, q.ContractDescriptor, data, audit.OutcomeFailed)
		return err
	}
	c.recorder.Record(StreamName, q.ContractDescriptor, data, audit.OutcomeApplied)
	return nil
}

// HandleNATS pkg/nats.MessageHandler
func (c *Consumer) HandleNATS(_ string, data []byte) error {
	return c.Handle(data)
}

// HandleKafka pkg/kafka.MessageHandler
// 坏报价重投也没用，丢弃后继续消费
func (c *Consumer) HandleKafka(_ string, _ int32, _ int64, _, value []byte) error {
	err := c.Handle(value)
	if errors.Is(err, ErrInvalidQuote) {
		c.log.Warn("drop malformed quote", zap.Error(err))
		return nil
	}
	return err
}
