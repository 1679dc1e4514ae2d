// Package frames 实现多个执行上下文（顶层页面与嵌套 frame）之间的协调协议。
//
// 每个 Frame 只持有自己的收件箱、父级收件箱以及直接子级的端口；
// 所有消息逐跳转发，任何一跳都不会跨级直接投递。
package frames

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/nerdneilsfield/go-selection-translator/internal/bus"
)

// sourceParent 父级下发消息时使用的来源标记
const sourceParent = "^parent"

// DefaultWindowTimeout 等待 window-created 的默认时长
const DefaultWindowTimeout = 5 * time.Second

var (
	// ErrNotTop 只有顶层上下文能承载浮层
	ErrNotTop = errors.New("frame is not the top context")
	// ErrNoWindowHost 顶层没有配置浮层宿主
	ErrNoWindowHost = errors.New("no window host configured")
	// ErrWindowTimeout 等待顶层回复超时
	ErrWindowTimeout = errors.New("timed out waiting for window-created")
	// ErrWindowFailed 顶层创建浮层失败
	ErrWindowFailed = errors.New("window creation failed")
	// ErrDuplicatePort 端口名已被占用
	ErrDuplicatePort = errors.New("duplicate child port")
)

// WindowRequest 顶层创建浮层的参数，Position 已换算为顶层文档坐标
type WindowRequest struct {
	FrameID  string
	Text     string
	Position Position
}

// WindowHost 顶层承载浮层的一方
type WindowHost interface {
	CreateWindow(ctx context.Context, req WindowRequest) (string, error)
}

// Listener 接收本上下文需要处理的事件
type Listener interface {
	// OnOutsideClick 外部交互触发关闭
	OnOutsideClick(ctx context.Context, click OutsideClick)
	// OnRelayChanged 全局转发开关变化
	OnRelayChanged(active bool)
}

// Port 父级视角下的一个直接子 frame
type Port struct {
	Name  string
	Inbox *bus.Topic
	Rect  Rect
}

// Option Frame 配置项
type Option func(*Frame)

// WithWindowHost 设置顶层浮层宿主
func WithWindowHost(host WindowHost) Option {
	return func(f *Frame) { f.host = host }
}

// WithListener 设置事件监听
func WithListener(l Listener) Option {
	return func(f *Frame) { f.listener = l }
}

// WithWindowTimeout 设置等待 window-created 的时长
func WithWindowTimeout(d time.Duration) Option {
	return func(f *Frame) {
		if d > 0 {
			f.windowTimeout = d
		}
	}
}

// Frame 一个执行上下文的协调端点
type Frame struct {
	id       string
	portName string
	depth    int
	inbox    *bus.Topic
	parent   *bus.Topic
	sub      *bus.Subscription

	mu          sync.Mutex
	children    map[string]*Port
	routes      map[string]string
	scroll      Scroll
	relayCount  int
	relayActive bool
	waiting     map[string]chan *WindowCreated

	host          WindowHost
	listener      Listener
	windowTimeout time.Duration
	clock         *Clock
	logger        *zap.Logger
	baseLogger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTop 创建顶层上下文
func NewTop(logger *zap.Logger, opts ...Option) *Frame {
	return newFrame("", 0, nil, logger, opts...)
}

func newFrame(portName string, depth int, parent *bus.Topic, logger *zap.Logger, opts ...Option) *Frame {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := xid.New().String()
	f := &Frame{
		id:            id,
		portName:      portName,
		depth:         depth,
		parent:        parent,
		children:      make(map[string]*Port),
		routes:        make(map[string]string),
		waiting:       make(map[string]chan *WindowCreated),
		windowTimeout: DefaultWindowTimeout,
		clock:         NewClock(),
		baseLogger:    logger,
		logger:        logger.Named("frames").With(zap.String("frameId", id), zap.Int("depth", depth)),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.inbox = bus.NewTopic("frame-"+id, f.logger)
	// 构造时就订阅，启动前到达的消息不会丢
	f.sub = f.inbox.Subscribe()
	return f
}

// Embed 在本上下文中嵌入一个子 frame，端口名由父级分配
func (f *Frame) Embed(portName string, rect Rect, opts ...Option) (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.children[portName]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePort, portName)
	}
	child := newFrame(portName, f.depth+1, f.inbox, f.baseLogger, opts...)
	f.children[portName] = &Port{Name: portName, Inbox: child.inbox, Rect: rect}
	return child, nil
}

// ID 返回 FrameIdentity
func (f *Frame) ID() string { return f.id }

// IsTop 是否为顶层上下文
func (f *Frame) IsTop() bool { return f.parent == nil }

// SetListener 替换事件监听，需在 Start 之前调用
func (f *Frame) SetListener(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

// SetWindowHost 设置顶层浮层宿主
func (f *Frame) SetWindowHost(host WindowHost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host = host
}

// SetScroll 更新本上下文视口滚动偏移
func (f *Frame) SetScroll(s Scroll) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scroll = s
}

// DocumentPosition 视口坐标换算为本上下文文档坐标
func (f *Frame) DocumentPosition(p Position) Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return p.Add(f.scroll.X, f.scroll.Y)
}

// UpdateRect 更新子 frame 的包围盒
func (f *Frame) UpdateRect(portName string, rect Rect) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.children[portName]
	if ok {
		port.Rect = rect
	}
	return ok
}

// Registered 某个后代 frame 是否已登记到本上下文
func (f *Frame) Registered(frameID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.routes[frameID]
	return ok
}

// RelayActive 当前是否转发外部点击
func (f *Frame) RelayActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relayActive
}

// Start 启动接收循环；嵌套上下文随后向上登记
func (f *Frame) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		if err := f.sub.Run(runCtx, f.handle); err != nil {
			f.logger.Error("frame receive loop stopped", zap.Error(err))
		}
	}()

	if f.IsTop() {
		f.logger.Info("top frame started")
		return nil
	}
	if err := f.sendUp(ctx, &RegisterFrame{FrameID: f.id}); err != nil {
		return fmt.Errorf("failed to register frame: %w", err)
	}
	f.logger.Info("nested frame started", zap.String("port", f.portName))
	return nil
}

// Close 停止接收循环并关闭收件箱
func (f *Frame) Close(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	if err := f.sub.Close(ctx); err != nil {
		f.logger.Warn("failed to close subscription", zap.Error(err))
	}
	return f.inbox.Close(ctx)
}

// RequestWindow 请求在顶层承载浮层；position 为本上下文视口坐标
func (f *Frame) RequestWindow(ctx context.Context, text string, position Position) (string, error) {
	if f.IsTop() {
		return f.createWindow(ctx, WindowRequest{FrameID: f.id, Text: text, Position: f.DocumentPosition(position)})
	}

	requestID := uuid.NewString()
	reply := make(chan *WindowCreated, 1)
	f.mu.Lock()
	f.waiting[requestID] = reply
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.waiting, requestID)
		f.mu.Unlock()
	}()

	req := &CreateWindowRequest{FrameID: f.id, RequestID: requestID, Text: text, Position: position}
	if err := f.sendUp(ctx, req); err != nil {
		return "", err
	}

	timer := time.NewTimer(f.windowTimeout)
	defer timer.Stop()
	select {
	case msg := <-reply:
		if !msg.Success {
			return "", fmt.Errorf("%w: %s", ErrWindowFailed, msg.Error)
		}
		return msg.ID, nil
	case <-timer.C:
		return "", ErrWindowTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Frame) createWindow(ctx context.Context, req WindowRequest) (string, error) {
	f.mu.Lock()
	host := f.host
	f.mu.Unlock()
	if !f.IsTop() {
		return "", ErrNotTop
	}
	if host == nil {
		return "", ErrNoWindowHost
	}
	return host.CreateWindow(ctx, req)
}

// ReportOutsideClick 把本上下文已在本地处理过的外部交互转发给其他上下文
//
// 转发开启时，嵌套上下文把消息交给顶层，顶层再向所有后代广播一次；发起方不会再收到它。
func (f *Frame) ReportOutsideClick(ctx context.Context) error {
	if !f.RelayActive() {
		return nil
	}
	click := &OutsideClick{FrameID: f.id, IsInIframe: !f.IsTop()}
	if f.IsTop() {
		click.ForwardedFrom = f.id
		return f.broadcastDown(ctx, click)
	}
	return f.sendUp(ctx, click)
}

// AcquireRelay 申请开启外部点击转发
func (f *Frame) AcquireRelay(ctx context.Context) error {
	return f.requestBroadcast(ctx, true)
}

// ReleaseRelay 释放转发引用
func (f *Frame) ReleaseRelay(ctx context.Context) error {
	return f.requestBroadcast(ctx, false)
}

func (f *Frame) requestBroadcast(ctx context.Context, enabled bool) error {
	if f.IsTop() {
		return f.applyBroadcast(ctx, enabled)
	}
	return f.sendUp(ctx, &SetBroadcastRequest{Enabled: enabled})
}

// applyBroadcast 顶层维护引用计数，每次变化都向全部后代下发
func (f *Frame) applyBroadcast(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	if enabled {
		f.relayCount++
	} else if f.relayCount > 0 {
		f.relayCount--
	}
	count := f.relayCount
	f.mu.Unlock()

	active := count > 0
	f.logger.Debug("relay reference changed", zap.Int("count", count), zap.Bool("active", active))
	f.setRelay(active)
	return f.broadcastDown(ctx, &SetBroadcastApply{Enabled: active})
}

func (f *Frame) setRelay(active bool) {
	f.mu.Lock()
	changed := f.relayActive != active
	f.relayActive = active
	listener := f.listener
	f.mu.Unlock()

	if changed && listener != nil {
		listener.OnRelayChanged(active)
	}
}

func (f *Frame) notifyClick(ctx context.Context, click OutsideClick) {
	f.mu.Lock()
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener.OnOutsideClick(ctx, click)
	}
}

func (f *Frame) sendUp(ctx context.Context, msg Message) error {
	if f.parent == nil {
		return ErrNotTop
	}
	return f.send(ctx, f.parent, f.portName, msg)
}

func (f *Frame) sendTo(ctx context.Context, port *Port, msg Message) error {
	return f.send(ctx, port.Inbox, sourceParent, msg)
}

func (f *Frame) broadcastDown(ctx context.Context, msg Message) error {
	f.mu.Lock()
	ports := make([]*Port, 0, len(f.children))
	for _, p := range f.children {
		ports = append(ports, p)
	}
	f.mu.Unlock()

	var errs []error
	for _, p := range ports {
		if err := f.sendTo(ctx, p, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Frame) send(ctx context.Context, topic *bus.Topic, source string, msg Message) error {
	data, err := Encode(msg, f.clock.Next())
	if err != nil {
		return err
	}
	return topic.Publish(ctx, string(msg.Type()), source, data)
}

// handle 接收循环，按到达顺序逐条处理
func (f *Frame) handle(ctx context.Context, raw *bus.Message) error {
	msg, err := Decode(raw.Body)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			f.logger.Warn("dropping message with incompatible version", zap.String("type", raw.Type))
			return nil
		}
		return err
	}

	var fromChild *Port
	if raw.Source != sourceParent {
		f.mu.Lock()
		fromChild = f.children[raw.Source]
		f.mu.Unlock()
		if fromChild == nil {
			return fmt.Errorf("message %s from unknown port %q", raw.Type, raw.Source)
		}
	}

	switch m := msg.(type) {
	case *RegisterFrame:
		return f.onRegister(ctx, fromChild, m)
	case *CreateWindowRequest:
		return f.onCreateWindow(ctx, fromChild, m)
	case *WindowCreated:
		return f.onWindowCreated(ctx, m)
	case *OutsideClick:
		return f.onOutsideClick(ctx, fromChild, m)
	case *SetBroadcastRequest:
		if fromChild == nil {
			return nil
		}
		return f.requestBroadcast(ctx, m.Enabled)
	case *SetBroadcastApply:
		if fromChild != nil {
			return nil
		}
		f.setRelay(m.Enabled)
		return f.broadcastDown(ctx, m)
	}
	return nil
}

func (f *Frame) onRegister(ctx context.Context, from *Port, m *RegisterFrame) error {
	if from == nil || m.FrameID == "" {
		return nil
	}
	f.mu.Lock()
	f.routes[m.FrameID] = from.Name
	f.mu.Unlock()
	f.logger.Debug("frame registered", zap.String("registered", m.FrameID), zap.String("port", from.Name))

	if f.IsTop() {
		return nil
	}
	return f.sendUp(ctx, m)
}

func (f *Frame) onCreateWindow(ctx context.Context, from *Port, m *CreateWindowRequest) error {
	if from == nil {
		return nil
	}

	f.mu.Lock()
	if _, ok := f.routes[m.FrameID]; !ok {
		f.routes[m.FrameID] = from.Name
	}
	rect := from.Rect
	scroll := f.scroll
	f.mu.Unlock()

	// 子视口坐标 -> 本视口坐标
	m.Position = m.Position.Add(rect.Left, rect.Top)
	if !f.IsTop() {
		return f.sendUp(ctx, m)
	}

	m.Position = m.Position.Add(scroll.X, scroll.Y)
	reply := &WindowCreated{TargetFrameID: m.FrameID, RequestID: m.RequestID}
	id, err := f.createWindow(ctx, WindowRequest{FrameID: m.FrameID, Text: m.Text, Position: m.Position})
	if err != nil {
		f.logger.Error("failed to host window", zap.String("for", m.FrameID), zap.Error(err))
		reply.Error = err.Error()
	} else {
		reply.Success = true
		reply.ID = id
	}
	return f.sendTo(ctx, from, reply)
}

func (f *Frame) onWindowCreated(ctx context.Context, m *WindowCreated) error {
	if m.TargetFrameID == f.id {
		f.mu.Lock()
		ch, ok := f.waiting[m.RequestID]
		f.mu.Unlock()
		if !ok {
			f.logger.Debug("window-created for unknown request", zap.String("requestId", m.RequestID))
			return nil
		}
		select {
		case ch <- m:
		default:
		}
		return nil
	}

	f.mu.Lock()
	port := f.children[f.routes[m.TargetFrameID]]
	f.mu.Unlock()
	if port == nil {
		return fmt.Errorf("no route to frame %s", m.TargetFrameID)
	}
	return f.sendTo(ctx, port, m)
}

func (f *Frame) onOutsideClick(ctx context.Context, from *Port, m *OutsideClick) error {
	if from != nil {
		// 向上：嵌套上下文只负责交给顶层
		if !f.IsTop() {
			return f.sendUp(ctx, m)
		}
		if m.FrameID == f.id || m.ForwardedFrom == f.id || !f.RelayActive() {
			return nil
		}
		f.notifyClick(ctx, *m)
		m.ForwardedFrom = f.id
		return f.broadcastDown(ctx, m)
	}

	// 向下：自身发起或自身转发的消息不再本地处理，但仍交给子级
	if m.FrameID != f.id && m.ForwardedFrom != f.id && f.RelayActive() {
		f.notifyClick(ctx, *m)
	}
	return f.broadcastDown(ctx, m)
}
