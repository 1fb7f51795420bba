package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSession 只实现 ConsumeClaim 用到的方法
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) Marked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func newClaim(offsets ...int64) *fakeClaim {
	c := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, len(offsets))}
	for _, off := range offsets {
		c.msgs <- &sarama.ConsumerMessage{Topic: "trade_fills", Partition: 0, Offset: off, Value: []byte("{}")}
	}
	close(c.msgs)
	return c
}

func TestConsumeClaim_MarksHandledMessages(t *testing.T) {
	var seen []int64
	h := &consumerGroupHandler{
		handler: func(_ string, _ int32, offset int64, _, _ []byte) error {
			seen = append(seen, offset)
			return nil
		},
		log: zap.NewNop(),
	}
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(sess, newClaim(40, 41, 42)))
	assert.Equal(t, []int64{40, 41, 42}, seen)
	assert.Equal(t, []int64{40, 41, 42}, sess.Marked())
}

func TestConsumeClaim_FailureStopsWithoutCommit(t *testing.T) {
	var seen []int64
	h := &consumerGroupHandler{
		handler: func(_ string, _ int32, offset int64, _, _ []byte) error {
			seen = append(seen, offset)
			if offset == 42 {
				return errors.New("mysql: connection refused")
			}
			return nil
		},
		log:          zap.NewNop(),
		retryBackoff: time.Millisecond,
	}
	sess := &fakeSession{ctx: context.Background()}

	err := h.ConsumeClaim(sess, newClaim(41, 42, 43))
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")

	// 42 失败: 不提交，后面的 43 也不处理，重新加入后从 42 重投
	assert.Equal(t, []int64{41, 42}, seen)
	assert.Equal(t, []int64{41}, sess.Marked())
}

func TestConsumeClaim_SessionDoneReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &consumerGroupHandler{
		handler: func(string, int32, int64, []byte, []byte) error { return errors.New("unreachable") },
		log:     zap.NewNop(),
	}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)}

	assert.NoError(t, h.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}
