// Package overlay 浮层（图标/弹窗）的生命周期状态机，不涉及渲染。
package overlay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State 浮层状态
type State int

const (
	Idle State = iota
	IconPending
	IconVisible
	WindowPending
	WindowVisible
	Dismissed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case IconPending:
		return "icon-pending"
	case IconVisible:
		return "icon-visible"
	case WindowPending:
		return "window-pending"
	case WindowVisible:
		return "window-visible"
	case Dismissed:
		return "dismissed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultGraceWindow 图标激活后屏蔽外部点击的时长
const DefaultGraceWindow = 300 * time.Millisecond

// ErrInvalidTransition 当前状态不允许该操作
var ErrInvalidTransition = errors.New("invalid overlay transition")

// Anchor 浮层锚点（承载浮层的文档坐标）
type Anchor struct {
	X float64
	Y float64
}

// Presenter 渲染层，只负责展示
type Presenter interface {
	ShowIcon()
	ShowWindow(text string, at Anchor)
	Deliver(content string)
	Remove()
}

// DismissHook 关闭时的清理步骤（取消翻译、释放转发引用等）
type DismissHook func()

// Machine 浮层状态机
type Machine struct {
	mu        sync.Mutex
	state     State
	presenter Presenter
	hooks     []DismissHook
	logger    *zap.Logger

	// iconClickSuppressed 图标自身的外部点击处理是否已摘除
	iconClickSuppressed bool
	// activeToken 触发当前转换的交互令牌
	activeToken string
	// iconWindowUnclaimed 图标打开的弹窗还没有翻译接手
	iconWindowUnclaimed bool
	// pendingWindowTransition 宽限期截止时间
	//
	// 这是针对宿主事件传播顺序的计时防护，不是正确性保证：令牌握手优先，
	// 宽限期只用于没有携带令牌的同一次交互。
	pendingWindowTransition time.Time
	grace                   time.Duration

	now      func() time.Time
	newToken func() string
}

// NewMachine 创建状态机
func NewMachine(presenter Presenter, grace time.Duration, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Machine{
		state:     Idle,
		presenter: presenter,
		grace:     grace,
		logger:    logger.Named("overlay"),
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// OnDismiss 注册关闭时的清理步骤，按注册顺序执行
func (m *Machine) OnDismiss(hook DismissHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// State 当前状态
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) transition(to State) {
	m.logger.Debug("overlay transition", zap.Stringer("from", m.state), zap.Stringer("to", to))
	m.state = to
}

// ShowIcon 选区出现，准备展示图标
func (m *Machine) ShowIcon() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return fmt.Errorf("%w: show icon from %s", ErrInvalidTransition, m.state)
	}
	m.iconClickSuppressed = false
	m.transition(IconPending)
	return nil
}

// IconShown 图标已渲染
func (m *Machine) IconShown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != IconPending {
		return fmt.Errorf("%w: icon shown from %s", ErrInvalidTransition, m.state)
	}
	if m.presenter != nil {
		m.presenter.ShowIcon()
	}
	m.transition(IconVisible)
	return nil
}

// ActivateIcon 点击图标打开弹窗，返回本次交互的令牌
//
// 先同步摘除图标的外部点击处理，再进入 WindowPending。
func (m *Machine) ActivateIcon(text string, at Anchor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != IconVisible {
		return "", fmt.Errorf("%w: activate icon from %s", ErrInvalidTransition, m.state)
	}
	m.iconClickSuppressed = true
	m.iconWindowUnclaimed = true
	m.activeToken = m.newToken()
	m.pendingWindowTransition = m.now().Add(m.grace)
	if m.presenter != nil {
		m.presenter.ShowWindow(text, at)
	}
	m.transition(WindowPending)
	return m.activeToken, nil
}

// ClaimIconWindow 接手图标刚打开、尚无翻译的弹窗，返回其令牌
//
// 每个弹窗只能接手一次；其他状态返回 false。
func (m *Machine) ClaimIconWindow() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != WindowPending || !m.iconWindowUnclaimed || m.activeToken == "" {
		return "", false
	}
	m.iconWindowUnclaimed = false
	return m.activeToken, true
}

// OpenWindow 直接打开弹窗（不经过图标）
func (m *Machine) OpenWindow(text string, at Anchor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return "", fmt.Errorf("%w: open window from %s", ErrInvalidTransition, m.state)
	}
	m.iconClickSuppressed = true
	m.iconWindowUnclaimed = false
	m.activeToken = m.newToken()
	m.pendingWindowTransition = m.now().Add(m.grace)
	if m.presenter != nil {
		m.presenter.ShowWindow(text, at)
	}
	m.transition(WindowPending)
	return m.activeToken, nil
}

// Owns 令牌是否属于当前打开的弹窗
func (m *Machine) Owns(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return token != "" && token == m.activeToken
}

// Deliver 译文到达；已关闭或令牌不属于当前弹窗时丢弃并返回 false
func (m *Machine) Deliver(token, content string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case WindowPending, WindowVisible:
		if token != m.activeToken {
			m.logger.Debug("dropping result for a previous window")
			return false
		}
		if m.presenter != nil {
			m.presenter.Deliver(content)
		}
		m.transition(WindowVisible)
		return true
	default:
		m.logger.Debug("dropping result delivered after dismissal", zap.Stringer("state", m.state))
		return false
	}
}

// OutsideClick 外部交互；返回是否因此关闭
//
// 携带当前令牌的交互（即触发打开的那一次）和宽限期内的交互都被忽略。
func (m *Machine) OutsideClick(token string) bool {
	m.mu.Lock()
	switch m.state {
	case Idle, Dismissed:
		m.mu.Unlock()
		return false
	case IconPending, IconVisible:
		if m.iconClickSuppressed {
			m.mu.Unlock()
			return false
		}
	case WindowPending, WindowVisible:
		if token != "" && token == m.activeToken {
			m.mu.Unlock()
			m.logger.Debug("ignoring outside click from the activating interaction")
			return false
		}
		if m.now().Before(m.pendingWindowTransition) {
			m.mu.Unlock()
			m.logger.Debug("ignoring outside click during grace window")
			return false
		}
	}
	m.mu.Unlock()
	m.Dismiss()
	return true
}

// Dismiss 从任意状态关闭：执行清理步骤、移除展示，最后回到 Idle
func (m *Machine) Dismiss() {
	m.mu.Lock()
	if m.state == Idle || m.state == Dismissed {
		m.mu.Unlock()
		return
	}
	m.transition(Dismissed)
	hooks := append([]DismissHook(nil), m.hooks...)
	presenter := m.presenter
	m.activeToken = ""
	m.iconWindowUnclaimed = false
	m.pendingWindowTransition = time.Time{}
	m.iconClickSuppressed = false
	m.mu.Unlock()

	// 清理步骤可能回调到状态机，不能持锁执行
	for _, hook := range hooks {
		hook()
	}
	if presenter != nil {
		presenter.Remove()
	}

	m.mu.Lock()
	if m.state == Dismissed {
		m.transition(Idle)
	}
	m.mu.Unlock()
}
