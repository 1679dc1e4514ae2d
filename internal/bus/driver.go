package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"gocloud.dev/gcerrors"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/driver"
)

// errSubscriptionClosed 订阅已关闭
var errSubscriptionClosed = errors.New("bus: subscription closed")

// memTopic 进程内 driver.Topic；发送时直接放入每个订阅的队列并唤醒等待者，接收方不轮询
type memTopic struct {
	mu     sync.Mutex
	subs   []*memSubscription
	nextID int
}

var _ driver.Topic = (*memTopic)(nil)

func newMemTopic() (*pubsub.Topic, *memTopic) {
	t := &memTopic{}
	return pubsub.NewTopic(t, nil), t
}

// SendBatch 实现 driver.Topic
func (t *memTopic) SendBatch(ctx context.Context, ms []*driver.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range ms {
		t.nextID++
		m.AckID = t.nextID
		m.LoggableID = "msg #" + strconv.Itoa(t.nextID)
		m.AsFunc = func(interface{}) bool { return false }
		if m.BeforeSend != nil {
			if err := m.BeforeSend(func(interface{}) bool { return false }); err != nil {
				return err
			}
		}
		if m.AfterSend != nil {
			if err := m.AfterSend(func(interface{}) bool { return false }); err != nil {
				return err
			}
		}
	}
	for _, s := range t.subs {
		s.add(ms)
	}
	return nil
}

func (t *memTopic) subscribe() *memSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &memSubscription{topic: t, wake: make(chan struct{}, 1)}
	t.subs = append(t.subs, s)
	return s
}

func (t *memTopic) unsubscribe(s *memSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, sub := range t.subs {
		if sub == s {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (*memTopic) IsRetryable(error) bool { return false }

func (t *memTopic) As(i interface{}) bool {
	x, ok := i.(**memTopic)
	if !ok {
		return false
	}
	*x = t
	return true
}

func (*memTopic) ErrorAs(error, interface{}) bool { return false }

func (*memTopic) ErrorCode(error) gcerrors.ErrorCode { return gcerrors.Unknown }

func (*memTopic) Close() error { return nil }

// memSubscription 按发送顺序排队的订阅；消息取出即视为投递，不做超时重投
type memSubscription struct {
	topic  *memTopic
	mu     sync.Mutex
	queue  []*driver.Message
	closed bool
	wake   chan struct{}
}

var _ driver.Subscription = (*memSubscription)(nil)

func newMemSubscription(t *memTopic) *pubsub.Subscription {
	return pubsub.NewSubscription(t.subscribe(), nil, nil)
}

func (s *memSubscription) add(ms []*driver.Message) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ms...)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ReceiveBatch 实现 driver.Subscription；队列为空时阻塞到有消息、关闭或 ctx 结束
func (s *memSubscription) ReceiveBatch(ctx context.Context, maxMessages int) ([]*driver.Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, errSubscriptionClosed
		}
		if n := len(s.queue); n > 0 {
			if n > maxMessages {
				n = maxMessages
			}
			msgs := make([]*driver.Message, n)
			copy(msgs, s.queue[:n])
			s.queue = s.queue[n:]
			s.mu.Unlock()
			return msgs, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		}
	}
}

func (*memSubscription) SendAcks(context.Context, []driver.AckID) error { return nil }

func (*memSubscription) CanNack() bool { return false }

func (*memSubscription) SendNacks(context.Context, []driver.AckID) error {
	return errors.New("bus: nack is not supported")
}

func (*memSubscription) IsRetryable(error) bool { return false }

func (s *memSubscription) As(i interface{}) bool {
	x, ok := i.(**memSubscription)
	if !ok {
		return false
	}
	*x = s
	return true
}

func (*memSubscription) ErrorAs(error, interface{}) bool { return false }

func (*memSubscription) ErrorCode(err error) gcerrors.ErrorCode {
	if errors.Is(err, errSubscriptionClosed) {
		return gcerrors.FailedPrecondition
	}
	return gcerrors.Unknown
}

// Close 实现 driver.Subscription
func (s *memSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.topic.unsubscribe(s)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}
