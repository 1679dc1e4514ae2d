package frames

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ProtocolVersion 跨上下文消息的协议版本，不一致的消息直接丢弃
const ProtocolVersion = 1

// MessageType 消息类型
type MessageType string

const (
	TypeRegisterFrame       MessageType = "register-frame"
	TypeCreateWindowRequest MessageType = "create-window-request"
	TypeWindowCreated       MessageType = "window-created"
	TypeOutsideClick        MessageType = "outside-click"
	TypeSetBroadcastRequest MessageType = "set-broadcast-request"
	TypeSetBroadcastApply   MessageType = "set-broadcast-apply"
)

var (
	// ErrVersionMismatch 协议版本不一致
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrUnknownMessage 未知消息类型
	ErrUnknownMessage = errors.New("unknown message type")
)

// Header 所有消息共有的字段，平铺在消息 JSON 顶层
type Header struct {
	Version   int         `json:"version"`
	Kind      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

func (h *Header) header() *Header { return h }

// Message 跨上下文消息
type Message interface {
	Type() MessageType
	header() *Header
}

// Position 视口坐标
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add 平移
func (p Position) Add(dx, dy float64) Position {
	return Position{X: p.X + dx, Y: p.Y + dy}
}

// Rect 子 frame 在父视口中的包围盒
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Scroll 视口滚动偏移
type Scroll struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RegisterFrame 嵌套上下文启动时向上登记
type RegisterFrame struct {
	Header
	FrameID string `json:"frameId"`
}

// CreateWindowRequest 请求顶层上下文承载浮层
type CreateWindowRequest struct {
	Header
	FrameID   string   `json:"frameId"`
	RequestID string   `json:"requestId"`
	Text      string   `json:"text"`
	Position  Position `json:"position"`
}

// WindowCreated 对 CreateWindowRequest 的回复，向下发往发起方
type WindowCreated struct {
	Header
	TargetFrameID string `json:"targetFrameId"`
	RequestID     string `json:"requestId"`
	Success       bool   `json:"success"`
	ID            string `json:"id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// OutsideClick 触发关闭的外部交互
type OutsideClick struct {
	Header
	FrameID       string `json:"frameId"`
	IsInIframe    bool   `json:"isInIframe"`
	ForwardedFrom string `json:"forwardedFrom,omitempty"`
}

// SetBroadcastRequest 请求顶层增减转发引用计数
type SetBroadcastRequest struct {
	Header
	Enabled bool `json:"enabled"`
}

// SetBroadcastApply 顶层把转发开关下发给所有后代
type SetBroadcastApply struct {
	Header
	Enabled bool `json:"enabled"`
}

func (*RegisterFrame) Type() MessageType       { return TypeRegisterFrame }
func (*CreateWindowRequest) Type() MessageType { return TypeCreateWindowRequest }
func (*WindowCreated) Type() MessageType       { return TypeWindowCreated }
func (*OutsideClick) Type() MessageType        { return TypeOutsideClick }
func (*SetBroadcastRequest) Type() MessageType { return TypeSetBroadcastRequest }
func (*SetBroadcastApply) Type() MessageType   { return TypeSetBroadcastApply }

// Encode 填充消息头并序列化
func Encode(msg Message, timestamp int64) ([]byte, error) {
	h := msg.header()
	h.Version = ProtocolVersion
	h.Kind = msg.Type()
	h.Timestamp = timestamp

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	return data, nil
}

// Decode 按 type 字段反序列化为具体消息
func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode message header: %w", err)
	}
	if h.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, ProtocolVersion)
	}

	var msg Message
	switch h.Kind {
	case TypeRegisterFrame:
		msg = &RegisterFrame{}
	case TypeCreateWindowRequest:
		msg = &CreateWindowRequest{}
	case TypeWindowCreated:
		msg = &WindowCreated{}
	case TypeOutsideClick:
		msg = &OutsideClick{}
	case TypeSetBroadcastRequest:
		msg = &SetBroadcastRequest{}
	case TypeSetBroadcastApply:
		msg = &SetBroadcastApply{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, h.Kind)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", h.Kind, err)
	}
	return msg, nil
}

// Clock 单调递增的毫秒时间戳
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock 创建时间戳生成器
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next 返回严格递增的时间戳
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
