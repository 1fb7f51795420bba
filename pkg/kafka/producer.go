// 文件: pkg/kafka/producer.go
// Kafka 生产者 - 发布汇总完成事件
//
// 异步发送，失败只计数和记日志；调用方不因下游不可用而失败

package kafka

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
)

var ErrProducerClosed = errors.New("kafka producer is closed")

// Message 可发送的消息
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key，同 key 保证顺序
	Value() ([]byte, error) // 序列化后的消息体
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string      `yaml:"brokers"`
	RequiredAcks   int           `yaml:"required_acks"` // 0 不等待, 1 leader, -1 全部
	Compression    string        `yaml:"compression"`   // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration `yaml:"flush_frequency"`
	FlushMessages  int           `yaml:"flush_messages"`
	MaxRetries     int           `yaml:"max_retries"`
}

// DefaultProducerConfig 汇总事件量很小，全副本确认
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   -1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

func (c ProducerConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()

	switch c.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch c.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	sc.Producer.Flush.Frequency = c.FlushFrequency
	sc.Producer.Flush.Messages = c.FlushMessages
	sc.Producer.Retry.Max = c.MaxRetries
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

// Producer 异步生产者
type Producer struct {
	producer sarama.AsyncProducer
	log      *zap.Logger

	sentCount  atomic.Int64
	errorCount atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig, log *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka producer: no brokers")
	}
	ap, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(ap, log), nil
}

func newProducer(ap sarama.AsyncProducer, log *zap.Logger) *Producer {
	p := &Producer{
		producer: ap,
		log:      logger.OrNop(log).Named("kafka_producer"),
	}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

// Send 异步发送
func (p *Producer) Send(msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return p.SendRaw(msg.Topic(), msg.Key(), data)
}

// SendRaw 发送原始字节
func (p *Producer) SendRaw(topic, key string, value []byte) error {
	// 读锁保证 Close 之后不再写 Input
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	p.sentCount.Add(1)
	return nil
}

func (p *Producer) handleErrors() {
	defer p.wg.Done()

	for perr := range p.producer.Errors() {
		p.errorCount.Add(1)
		key := ""
		if perr.Msg != nil && perr.Msg.Key != nil {
			if b, err := perr.Msg.Key.Encode(); err == nil {
				key = string(b)
			}
		}
		topic := ""
		if perr.Msg != nil {
			topic = perr.Msg.Topic
		}
		p.log.Error("send failed", zap.String("topic", topic), zap.String("key", key), zap.Error(perr.Err))
	}
}

// ProducerStats 统计
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

// Stats 当前统计
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 刷完缓冲后关闭，可重复调用
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()

	stats := p.Stats()
	p.log.Info("producer closed", zap.Int64("sent", stats.SentCount), zap.Int64("errors", stats.ErrorCount))
	return err
}
