// 文件: pkg/kafka/consumer.go
// Kafka 消费者组 - 接入 trade_fills / quotes 流
//
// 【语义】
// - 至少一次投递: 处理成功才 MarkMessage，重启后可能重投，下游靠幂等键去重
// - 处理失败不提交 offset，退出本轮 claim，重新加入后从失败的消息重投
// - 坏报文这类重投也不会成功的消息，由 handler 自己吞掉返回 nil
// - 同一分区内消息顺序处理，不同分区并行

package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
)

// =============================================================================
// Consumer 配置
// =============================================================================

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id"`
	Topics        []string `yaml:"topics"`
	OffsetInitial string   `yaml:"offset_initial"` // newest | oldest
	AutoCommit    bool     `yaml:"auto_commit"`
}

// DefaultConsumerConfig 默认从最早 offset 开始，避免首次上线丢当日成交
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: "oldest",
		AutoCommit:    true,
	}
}

func (c ConsumerConfig) initialOffset() int64 {
	if c.OffsetInitial == "newest" {
		return sarama.OffsetNewest
	}
	return sarama.OffsetOldest
}

// =============================================================================
// MessageHandler
// =============================================================================

// MessageHandler 消息处理函数
type MessageHandler func(topic string, partition int32, offset int64, key, value []byte) error

// Router 按 topic 分发
type Router map[string]MessageHandler

// Handle 未注册的 topic 返回错误
func (r Router) Handle(topic string, partition int32, offset int64, key, value []byte) error {
	h, ok := r[topic]
	if !ok {
		return fmt.Errorf("no handler for topic %s", topic)
	}
	return h(topic, partition, offset, key, value)
}

// Topics 已注册的 topic
func (r Router) Topics() []string {
	out := make([]string, 0, len(r))
	for t := range r {
		out = append(out, t)
	}
	return out
}

// =============================================================================
// Consumer
// =============================================================================

// Consumer Kafka 消费者组
type Consumer struct {
	client  sarama.ConsumerGroup
	config  ConsumerConfig
	handler MessageHandler
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, log *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: no brokers")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer: no topics")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = cfg.initialOffset()
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = cfg.AutoCommit
	saramaConfig.Consumer.Return.Errors = true

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		log:     logger.OrNop(log).Named("kafka_consumer").With(zap.String("group", cfg.GroupID)),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start 启动消费
func (c *Consumer) Start() {
	c.wg.Add(2)
	go c.consumeLoop()
	go c.errorLoop()

	c.log.Info("consumer started", zap.Strings("topics", c.config.Topics))
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	handler := &consumerGroupHandler{handler: c.handler, log: c.log, retryBackoff: time.Second}
	for {
		// rebalance 后 Consume 返回，需要重新加入
		if err := c.client.Consume(c.ctx, c.config.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.log.Error("consume error", zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) errorLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-c.client.Errors():
			if !ok {
				return
			}
			c.log.Warn("consumer group error", zap.Error(err))
		}
	}
}

// Stop 停止消费，等待进行中的消息处理完
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.log.Info("consumer stopped")
	return c.client.Close()
}

// =============================================================================
// sarama.ConsumerGroupHandler
// =============================================================================

type consumerGroupHandler struct {
	handler MessageHandler
	log     *zap.Logger

	// 处理失败后等待多久再退出 claim，避免下游故障时反复重平衡
	retryBackoff time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handler(msg.Topic, msg.Partition, msg.Offset, msg.Key, msg.Value); err != nil {
				h.log.Error("handle message failed, offset not committed",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				select {
				case <-session.Context().Done():
				case <-time.After(h.retryBackoff):
				}
				return fmt.Errorf("%s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			session.MarkMessage(msg, "")
		}
	}
}
