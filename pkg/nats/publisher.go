// 文件: pkg/nats/publisher.go
// NATS 发布者 - 汇总事件的轻量通道，适合本地开发
// 同一连接也承载对网关的请求-应答调用

package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
)

// Publisher NATS 发布者
type Publisher struct {
	conn *nats.Conn
	log  *zap.Logger
}

// NewPublisher 连接并创建发布者
func NewPublisher(url, name string, log *zap.Logger) (*Publisher, error) {
	log = logger.OrNop(log).Named("nats_publisher")
	conn, err := nats.Connect(url, connectOptions(name, log)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &Publisher{conn: conn, log: log}, nil
}

// Publish JSON 编码后发布
func (p *Publisher) Publish(subject string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return p.conn.Publish(subject, b)
}

// PublishRaw 发布原始字节
func (p *Publisher) PublishRaw(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Request JSON 请求-应答，超时由 ctx 控制
func (p *Publisher) Request(ctx context.Context, subject string, req, resp any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}
	msg, err := p.conn.RequestWithContext(ctx, subject, b)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

// Close 刷出缓冲后关闭
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("drain publisher connection", zap.Error(err))
		p.conn.Close()
	}
}
