// 文件: pkg/ledger/event.go
// trade_fills 报文解析

package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pnl.com/pkg/calendar"
)

// FillEvent 成交报文
//
//	{account_id, symbol, contract_type, strike, expiration, side, quantity,
//	 price, commission, order_id, execution_id, timestamp?, multiplier?, right?}
type FillEvent struct {
	AccountID          string              `json:"account_id"`
	Symbol             string              `json:"symbol"`
	ContractType       string              `json:"contract_type"`
	Strike             decimal.NullDecimal `json:"strike"`
	Expiration         string              `json:"expiration"`
	Right              string              `json:"right"`
	ContractDescriptor string              `json:"contract_descriptor"`
	Side               string              `json:"side"`
	Quantity           decimal.Decimal     `json:"quantity"`
	Price              decimal.Decimal     `json:"price"`
	Commission         decimal.Decimal     `json:"commission"`
	Multiplier         decimal.NullDecimal `json:"multiplier"`
	OrderID            json.RawMessage     `json:"order_id"`
	ExecutionID        string              `json:"execution_id"`
	Timestamp          json.RawMessage     `json:"timestamp"`
}

// parseContractType 返回类型和期权方向 (C/P)
func parseContractType(ct, right string) (ContractType, string) {
	r := strings.ToUpper(strings.TrimSpace(right))
	switch strings.ToUpper(strings.TrimSpace(ct)) {
	case "CALL", "C":
		return ContractOption, "C"
	case "PUT", "P":
		return ContractOption, "P"
	case "OPT", "OPTION":
		if r == "CALL" {
			r = "C"
		} else if r == "PUT" {
			r = "P"
		}
		return ContractOption, r
	}
	return ContractStock, ""
}

// ContractDescriptor 报价缓存 key
// 股票: "QQQ"；期权: "QQQ 20240119 450P"
func ContractDescriptor(symbol string, ct ContractType, expiration string, strike decimal.Decimal, right string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if ct != ContractOption {
		return symbol
	}
	exp := strings.ReplaceAll(strings.TrimSpace(expiration), "-", "")
	return fmt.Sprintf("%s %s %s%s", symbol, exp, strike.String(), right)
}

// ToFill 转成台账记录
// 报文不带 timestamp 时取 now；交易日按市场时区归属
func (e *FillEvent) ToFill(cal *calendar.Calendar, now time.Time) (*TradeFill, error) {
	side, err := ParseSide(e.Side)
	if err != nil {
		return nil, err
	}
	ts, err := calendar.ParseEventTime(e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFill, err)
	}
	if ts.IsZero() {
		ts = now
	}

	ct, right := parseContractType(e.ContractType, e.Right)
	if ct == ContractOption && (!e.Strike.Valid || e.Expiration == "" || right == "") && e.ContractDescriptor == "" {
		return nil, fmt.Errorf("%w: %s option without strike/expiration/right", ErrInvalidFill, e.ExecutionID)
	}

	mult := DefaultMultiplier(ct)
	if e.Multiplier.Valid && e.Multiplier.Decimal.IsPositive() {
		mult = e.Multiplier.Decimal
	}

	desc := e.ContractDescriptor
	if desc == "" {
		desc = ContractDescriptor(e.Symbol, ct, e.Expiration, e.Strike.Decimal, right)
	}

	f := &TradeFill{
		ExecutionID:        strings.TrimSpace(e.ExecutionID),
		AccountID:          e.AccountID,
		TradingDate:        cal.TradingDate(ts),
		Symbol:             strings.ToUpper(strings.TrimSpace(e.Symbol)),
		ContractDescriptor: desc,
		ContractType:       ct,
		Side:               side,
		Quantity:           e.Quantity.Abs(),
		Price:              e.Price,
		Multiplier:         mult,
		Commission:         e.Commission.Abs(),
		OrderID:            rawID(e.OrderID),
		ExecutedAt:         ts,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// rawID order_id 可能是数字也可能是字符串
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

// DecodeFill 解析报文
func DecodeFill(data []byte, cal *calendar.Calendar, now time.Time) (*TradeFill, error) {
	var e FillEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFill, err)
	}
	return e.ToFill(cal, now)
}
