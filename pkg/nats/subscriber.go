// 文件: pkg/nats/subscriber.go
// NATS 订阅者 - 接入 quotes / trade_fills 流
//
// 回调在 nats 的分发协程里执行，同一订阅内消息顺序处理

package nats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
)

// MessageHandler 消息处理函数
type MessageHandler func(subject string, data []byte) error

// Subscriber NATS 订阅者
type Subscriber struct {
	conn *nats.Conn
	log  *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewSubscriber 连接并创建订阅者
func NewSubscriber(url, name string, log *zap.Logger) (*Subscriber, error) {
	log = logger.OrNop(log).Named("nats_subscriber")
	conn, err := nats.Connect(url, connectOptions(name, log)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &Subscriber{conn: conn, log: log}, nil
}

// Subscribe 订阅 subject；queue 非空时为队列订阅 (多实例分摊)
func (s *Subscriber) Subscribe(subject, queue string, handler MessageHandler) error {
	cb := s.wrap(handler)

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = s.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = s.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.log.Info("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return nil
}

func (s *Subscriber) wrap(handler MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			s.log.Warn("handle message failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}
}

// Close 处理完已收到的消息后断开
func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()

	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// =============================================================================
// 连接选项
// =============================================================================

func connectOptions(name string, log *zap.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				log.Error("nats slow consumer, messages dropped", zap.String("subject", subject))
				return
			}
			log.Warn("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
}
