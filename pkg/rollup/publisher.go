// 文件: pkg/rollup/publisher.go
// 汇总完成事件 - 发给下游报表
// 发布失败只记日志，不影响汇总结果

package rollup

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"

	"pnl.com/pkg/kafka"
	"pnl.com/pkg/nats"
)

// Subject 事件 NATS subject / Kafka topic
const Subject = "pnl.rollup"

// Event 一条汇总定稿事件
type Event struct {
	Job         string          `json:"job"`
	RunID       string          `json:"run_id"`
	AccountID   string          `json:"account_id"`
	Period      string          `json:"period"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	// 日结
	ClosingBalance *decimal.Decimal `json:"closing_balance,omitempty"`
	// 月结
	TradingDays      *int                `json:"trading_days,omitempty"`
	CommissionAmount decimal.NullDecimal `json:"commission_amount"`
	IsPayable        *bool               `json:"is_payable,omitempty"`
}

// kafka.Message
func (e *Event) Topic() string          { return Subject }
func (e *Event) Key() string            { return e.AccountID }
func (e *Event) Value() ([]byte, error) { return json.Marshal(e) }

var _ kafka.Message = (*Event)(nil)

// Publisher 事件发布
type Publisher interface {
	PublishRollup(ctx context.Context, e *Event) error
}

// NopPublisher 不发布
type NopPublisher struct{}

func (NopPublisher) PublishRollup(context.Context, *Event) error { return nil }

// NATSPublisher 走 NATS
type NATSPublisher struct {
	pub *nats.Publisher
}

func NewNATSPublisher(pub *nats.Publisher) *NATSPublisher {
	return &NATSPublisher{pub: pub}
}

func (p *NATSPublisher) PublishRollup(_ context.Context, e *Event) error {
	return p.pub.Publish(Subject, e)
}

// KafkaPublisher 走 Kafka，按账户分区保证同账户有序
type KafkaPublisher struct {
	producer *kafka.Producer
}

func NewKafkaPublisher(producer *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) PublishRollup(_ context.Context, e *Event) error {
	return p.producer.Send(e)
}

// MultiPublisher 同时发多个通道
type MultiPublisher []Publisher

func (m MultiPublisher) PublishRollup(ctx context.Context, e *Event) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishRollup(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
