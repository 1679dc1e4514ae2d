// Package bus 在执行上下文之间传递消息的单向通道，基于 gocloud.dev/pubsub 和一个进程内驱动。
//
// 每个上下文拥有一个 Topic 作为收件箱；发送方只持有对方的 Topic，
// 上下文之间没有共享内存，只有序列化后的消息。pubsub 的批量接收可能并发调用驱动，
// 所以每条消息带一个 Topic 内递增的序号，订阅端按序号重排后再交给 handler。
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gocloud.dev/gcerrors"
	"gocloud.dev/pubsub"
)

const (
	// MetaType 消息类型
	MetaType = "type"
	// MetaSource 发送方端口
	MetaSource = "source"
	// MetaSeq Topic 内的序号
	MetaSeq = "seq"
)

// ErrClosed 通道已关闭
var ErrClosed = errors.New("bus topic closed")

// Handler 处理一条消息
type Handler func(ctx context.Context, msg *Message) error

// Message 收到的消息
type Message struct {
	Type   string
	Source string
	Body   []byte
}

// Topic 一个上下文的收件箱
type Topic struct {
	name   string
	topic  *pubsub.Topic
	mem    *memTopic
	seq    uint64
	closed bool
	mutex  sync.Mutex
	logger *zap.Logger
}

// NewTopic 创建内存 Topic
func NewTopic(name string, logger *zap.Logger) *Topic {
	if logger == nil {
		logger = zap.NewNop()
	}
	topic, mem := newMemTopic()
	return &Topic{
		name:   name,
		topic:  topic,
		mem:    mem,
		logger: logger,
	}
}

// Name 返回 Topic 名称
func (t *Topic) Name() string {
	return t.name
}

// Publish 发送原始消息体
func (t *Topic) Publish(ctx context.Context, msgType, source string, body []byte) error {
	// 持锁发送，序号顺序与投递顺序一致
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return fmt.Errorf("publish %s to %s: %w", msgType, t.name, ErrClosed)
	}

	t.seq++
	message := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			MetaType:   msgType,
			MetaSource: source,
			MetaSeq:    strconv.FormatUint(t.seq, 10),
		},
	}

	if err := t.topic.Send(ctx, message); err != nil {
		t.seq--
		t.logger.Error("failed to send message",
			zap.String("topic", t.name),
			zap.String("type", msgType),
			zap.Error(err))
		return fmt.Errorf("failed to send message to %s: %w", t.name, err)
	}

	t.logger.Debug("message published",
		zap.String("topic", t.name),
		zap.String("type", msgType),
		zap.Int("size", len(body)))
	return nil
}

// PublishJSON 序列化 payload 后发送
func (t *Topic) PublishJSON(ctx context.Context, msgType, source string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return t.Publish(ctx, msgType, source, body)
}

// Subscribe 创建订阅，只能收到创建之后发送的消息
func (t *Topic) Subscribe() *Subscription {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return &Subscription{
		topic:        t.name,
		subscription: newMemSubscription(t.mem),
		next:         t.seq + 1,
		pending:      make(map[uint64]*pubsub.Message),
		logger:       t.logger,
	}
}

// Close 关闭 Topic
func (t *Topic) Close(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.topic.Shutdown(ctx)
}

// Subscription 订阅，按到达顺序逐条处理
type Subscription struct {
	topic        string
	subscription *pubsub.Subscription
	next         uint64
	pending      map[uint64]*pubsub.Message
	logger       *zap.Logger
	once         sync.Once
	closed       atomic.Bool
}

// Run 阻塞接收并逐条交给 handler，直到 ctx 结束或订阅关闭
//
// handler 返回错误只记录日志，消息照常确认，不会重投。
func (s *Subscription) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := s.subscription.Receive(ctx)
		if err != nil {
			// 关闭订阅会取消驱动的后台接收，错误码可能是 Canceled 或 FailedPrecondition
			if ctx.Err() != nil || s.closed.Load() {
				return nil
			}
			switch gcerrors.Code(err) {
			case gcerrors.FailedPrecondition, gcerrors.Canceled:
				return nil
			}
			return fmt.Errorf("failed to receive from %s: %w", s.topic, err)
		}

		seq, err := strconv.ParseUint(msg.Metadata[MetaSeq], 10, 64)
		if err != nil || seq < s.next {
			// 无序号或重复投递
			msg.Ack()
			continue
		}
		s.pending[seq] = msg

		for {
			ready, ok := s.pending[s.next]
			if !ok {
				break
			}
			delete(s.pending, s.next)
			s.next++
			s.dispatch(ctx, ready, handler)
		}
	}
}

func (s *Subscription) dispatch(ctx context.Context, msg *pubsub.Message, handler Handler) {
	m := &Message{
		Type:   msg.Metadata[MetaType],
		Source: msg.Metadata[MetaSource],
		Body:   msg.Body,
	}
	if err := handler(ctx, m); err != nil {
		s.logger.Warn("handler failed to process message",
			zap.String("topic", s.topic),
			zap.String("type", m.Type),
			zap.Error(err))
	}
	msg.Ack()
}

// Close 关闭订阅
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.subscription.Shutdown(ctx)
	})
	return err
}
