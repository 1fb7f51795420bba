package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pnl.com/pkg/pnl"
)

// fakeRequester 按 subject 返回固定 JSON 应答
type fakeRequester struct {
	replies  map[string]string
	err      error
	requests map[string]string
}

func (f *fakeRequester) Request(_ context.Context, subject string, req, resp any) error {
	if f.err != nil {
		return f.err
	}
	b, _ := json.Marshal(req)
	if f.requests == nil {
		f.requests = make(map[string]string)
	}
	f.requests[subject] = string(b)
	return json.Unmarshal([]byte(f.replies[subject]), resp)
}

func TestOpenPositions(t *testing.T) {
	f := &fakeRequester{replies: map[string]string{
		SubjectPositions: `{"positions":[{"symbol":"QQQ","contract_descriptor":"QQQ 20240119 450P","quantity":"-5","avg_cost":"2.45","multiplier":"100"}]}`,
	}}
	c := New(f, nil)

	got, err := c.OpenPositions(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "QQQ 20240119 450P", got[0].Key())
	assert.True(t, got[0].Quantity.Equal(decimal.NewFromInt(-5)))
	assert.JSONEq(t, `{"account_id":"A1"}`, f.requests[SubjectPositions])
}

func TestOpenPositions_GatewayError(t *testing.T) {
	f := &fakeRequester{replies: map[string]string{SubjectPositions: `{"error":"session expired"}`}}
	_, err := New(f, nil).OpenPositions(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrGateway)

	f = &fakeRequester{err: errors.New("nats: timeout")}
	_, err = New(f, nil).OpenPositions(context.Background(), "A1")
	assert.Error(t, err)
}

func TestMarketPrice(t *testing.T) {
	pos := pnl.Position{Symbol: "IWM", Quantity: decimal.NewFromInt(10)}

	f := &fakeRequester{replies: map[string]string{SubjectLastPrice: `{"price":"201.5"}`}}
	price, ok, err := New(f, nil).MarketPrice(context.Background(), pos)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("201.5")))
	assert.JSONEq(t, `{"symbol":"IWM","contract_descriptor":"IWM"}`, f.requests[SubjectLastPrice])

	f = &fakeRequester{replies: map[string]string{SubjectLastPrice: `{"price":null}`}}
	_, ok, err = New(f, nil).MarketPrice(context.Background(), pos)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeQuotes(t *testing.T) {
	f := &fakeRequester{replies: map[string]string{SubjectSubscribe: `{}`}}
	require.NoError(t, New(f, nil).SubscribeQuotes(context.Background(), "SPY"))

	f = &fakeRequester{replies: map[string]string{SubjectSubscribe: `{"error":"unknown contract"}`}}
	assert.ErrorIs(t, New(f, nil).SubscribeQuotes(context.Background(), "???"), ErrGateway)
}
