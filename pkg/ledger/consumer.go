// 文件: pkg/ledger/consumer.go
// trade_fills 流消费者
// 投递语义为至少一次，靠 execution_id 去重

package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pnl.com/pkg/audit"
	"pnl.com/pkg/calendar"
	"pnl.com/pkg/logger"
)

// StreamName 成交流名 (Kafka topic / NATS subject)
const StreamName = "trade_fills"

// Consumer 成交消费者
type Consumer struct {
	ledger   *Ledger
	cal      *calendar.Calendar
	recorder audit.Recorder
	log      *zap.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewConsumer recorder 可为 nil；timeout 为单条处理 (落库) 上限
func NewConsumer(l *Ledger, cal *calendar.Calendar, recorder audit.Recorder, timeout time.Duration, log *zap.Logger) *Consumer {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Consumer{
		ledger:   l,
		cal:      cal,
		recorder: recorder,
		log:      logger.OrNop(log).Named("fill_consumer"),
		timeout:  timeout,
		now:      time.Now,
	}
}

// Handle 处理一条成交报文
func (c *Consumer) Handle(data []byte) error {
	fill, err := DecodeFill(data, c.cal, c.now())
	if err != nil {
		c.recorder.Record(StreamName, "", data, audit.OutcomeRejected)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	applied, err := c.ledger.Record(ctx, fill)
	switch {
	case err != nil:
		c.recorder.Record(StreamName, fill.ExecutionID, data, audit.OutcomeFailed)
		return err
	case !applied:
		c.recorder.Record(StreamName, fill.ExecutionID, data, audit.OutcomeDuplicate)
		c.log.Debug("duplicate fill ignored",
			zap.String("account", fill.AccountID),
			zap.String("execution_id", fill.ExecutionID))
		return nil
	}

	c.recorder.Record(StreamName, fill.ExecutionID, data, audit.OutcomeApplied)
	c.log.Debug("fill recorded",
		zap.String("account", fill.AccountID),
		zap.String("execution_id", fill.ExecutionID),
		zap.String("contract", fill.ContractDescriptor),
		zap.String("side", string(fill.Side)),
		zap.String("qty", fill.Quantity.String()),
		zap.String("price", fill.Price.String()))
	return nil
}

// HandleNATS pkg/nats.MessageHandler
func (c *Consumer) HandleNATS(_ string, data []byte) error {
	return c.Handle(data)
}

// HandleKafka pkg/kafka.MessageHandler
// 解析失败的消息不再重投，持久化失败的交给上层打日志
func (c *Consumer) HandleKafka(_ string, _ int32, _ int64, _, value []byte) error {
	err := c.Handle(value)
	if errors.Is(err, ErrInvalidFill) {
		c.log.Warn("drop malformed fill", zap.Error(err))
		return nil
	}
	return err
}
