// 文件: pkg/gateway/gateway.go
// 网关客户端 - 通过 NATS 请求-应答实现 registry.Collaborators
//
// 持仓、最近成交价、行情订阅都由券商网关服务提供，本引擎只发请求
// 应答里 error 非空视为调用失败

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
	"pnl.com/pkg/pnl"
	"pnl.com/pkg/registry"
)

// 网关 subject
const (
	SubjectPositions = "gateway.positions"
	SubjectLastPrice = "gateway.last_price"
	SubjectSubscribe = "gateway.subscribe"
)

var ErrGateway = errors.New("gateway error")

// Requester 请求-应答通道 (pkg/nats.Publisher)
type Requester interface {
	Request(ctx context.Context, subject string, req, resp any) error
}

type positionsRequest struct {
	AccountID string `json:"account_id"`
}

type positionsReply struct {
	Positions []pnl.Position `json:"positions"`
	Error     string         `json:"error,omitempty"`
}

type priceRequest struct {
	Symbol             string `json:"symbol"`
	ContractDescriptor string `json:"contract_descriptor"`
}

type priceReply struct {
	Price decimal.NullDecimal `json:"price"`
	Error string              `json:"error,omitempty"`
}

type subscribeRequest struct {
	ContractDescriptor string `json:"contract_descriptor"`
}

type ackReply struct {
	Error string `json:"error,omitempty"`
}

// Client 网关客户端
type Client struct {
	req Requester
	log *zap.Logger
}

var _ registry.Collaborators = (*Client)(nil)

// New 创建
func New(req Requester, log *zap.Logger) *Client {
	return &Client{req: req, log: logger.OrNop(log).Named("gateway")}
}

// OpenPositions 账户未平仓持仓
func (c *Client) OpenPositions(ctx context.Context, accountID string) ([]pnl.Position, error) {
	var reply positionsReply
	if err := c.req.Request(ctx, SubjectPositions, positionsRequest{AccountID: accountID}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: positions %s: %s", ErrGateway, accountID, reply.Error)
	}
	return reply.Positions, nil
}

// MarketPrice 最近成交价，网关无价返回 ok=false
func (c *Client) MarketPrice(ctx context.Context, pos pnl.Position) (decimal.Decimal, bool, error) {
	var reply priceReply
	req := priceRequest{Symbol: pos.Symbol, ContractDescriptor: pos.Key()}
	if err := c.req.Request(ctx, SubjectLastPrice, req, &reply); err != nil {
		return decimal.Zero, false, err
	}
	if reply.Error != "" {
		return decimal.Zero, false, fmt.Errorf("%w: last price %s: %s", ErrGateway, pos.Key(), reply.Error)
	}
	if !reply.Price.Valid {
		return decimal.Zero, false, nil
	}
	return reply.Price.Decimal, true, nil
}

// SubscribeQuotes 让网关开始推送该合约的报价
func (c *Client) SubscribeQuotes(ctx context.Context, contractDescriptor string) error {
	var reply ackReply
	if err := c.req.Request(ctx, SubjectSubscribe, subscribeRequest{ContractDescriptor: contractDescriptor}, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: subscribe %s: %s", ErrGateway, contractDescriptor, reply.Error)
	}
	c.log.Debug("quote subscription requested", zap.String("contract", contractDescriptor))
	return nil
}
