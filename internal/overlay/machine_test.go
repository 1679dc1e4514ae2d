package overlay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresenter struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePresenter) record(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePresenter) ShowIcon()                        { p.record("icon") }
func (p *fakePresenter) ShowWindow(text string, _ Anchor) { p.record("window:" + text) }
func (p *fakePresenter) Deliver(content string)           { p.record("deliver:" + content) }
func (p *fakePresenter) Remove()                          { p.record("remove") }

func newTestMachine() (*Machine, *fakePresenter, *time.Time) {
	p := &fakePresenter{}
	m := NewMachine(p, 300*time.Millisecond, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	n := 0
	m.newToken = func() string {
		n++
		return []string{"", "t1", "t2", "t3"}[n]
	}
	return m, p, &now
}

func TestIconFlow(t *testing.T) {
	m, p, now := newTestMachine()

	require.NoError(t, m.ShowIcon())
	assert.Equal(t, IconPending, m.State())
	require.NoError(t, m.IconShown())
	assert.Equal(t, IconVisible, m.State())

	token, err := m.ActivateIcon("Hello", Anchor{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, "t1", token)
	assert.True(t, m.Owns(token))
	assert.False(t, m.Owns(""))
	assert.Equal(t, WindowPending, m.State())

	// 触发打开的那一次交互继续传播，带着同一个令牌
	assert.False(t, m.OutsideClick(token))
	// 宽限期内没有令牌的交互也被忽略
	assert.False(t, m.OutsideClick(""))
	assert.Equal(t, WindowPending, m.State())

	assert.True(t, m.Deliver(token, "olleH"))
	assert.Equal(t, WindowVisible, m.State())

	*now = now.Add(time.Second)
	assert.False(t, m.OutsideClick(token))
	assert.True(t, m.OutsideClick("other"))
	assert.Equal(t, Idle, m.State())

	assert.Equal(t, []string{"icon", "window:Hello", "deliver:olleH", "remove"}, p.events)
}

func TestDismissRunsHooksFromAnyState(t *testing.T) {
	setups := map[string]func(m *Machine){
		"icon pending": func(m *Machine) { _ = m.ShowIcon() },
		"icon visible": func(m *Machine) { _ = m.ShowIcon(); _ = m.IconShown() },
		"window pending": func(m *Machine) {
			_, _ = m.OpenWindow("x", Anchor{})
		},
		"window visible": func(m *Machine) {
			token, _ := m.OpenWindow("x", Anchor{})
			m.Deliver(token, "y")
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			m, p, _ := newTestMachine()
			var calls []string
			m.OnDismiss(func() { calls = append(calls, "cancel-translation") })
			m.OnDismiss(func() { calls = append(calls, "release-relay") })

			setup(m)
			m.Dismiss()

			assert.Equal(t, []string{"cancel-translation", "release-relay"}, calls)
			assert.Equal(t, Idle, m.State())
			assert.Equal(t, "remove", p.events[len(p.events)-1])

			// 空闲时再次关闭是空操作
			m.Dismiss()
			assert.Len(t, calls, 2)
		})
	}
}

func TestDeliverAfterDismissIsDropped(t *testing.T) {
	m, p, _ := newTestMachine()

	token, err := m.OpenWindow("Hello", Anchor{})
	require.NoError(t, err)
	m.Dismiss()

	assert.False(t, m.Deliver(token, "late"))
	assert.Equal(t, Idle, m.State())
	assert.NotContains(t, p.events, "deliver:late")

	// 新弹窗不会收到上一个弹窗的结果
	token2, err := m.OpenWindow("World", Anchor{})
	require.NoError(t, err)
	assert.False(t, m.Deliver(token, "late"))
	assert.True(t, m.Deliver(token2, "dlroW"))
}

func TestIconOutsideClick(t *testing.T) {
	m, _, _ := newTestMachine()
	require.NoError(t, m.ShowIcon())
	require.NoError(t, m.IconShown())

	assert.True(t, m.OutsideClick(""))
	assert.Equal(t, Idle, m.State())
	assert.False(t, m.OutsideClick(""))
}

func TestInvalidTransitions(t *testing.T) {
	m, _, _ := newTestMachine()

	_, err := m.ActivateIcon("x", Anchor{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, m.IconShown(), ErrInvalidTransition)

	_, err = m.OpenWindow("x", Anchor{})
	require.NoError(t, err)
	assert.ErrorIs(t, m.ShowIcon(), ErrInvalidTransition)
	assert.Equal(t, "window-pending", m.State().String())
}

func TestClaimIconWindow(t *testing.T) {
	m, _, _ := newTestMachine()

	_, ok := m.ClaimIconWindow()
	assert.False(t, ok)

	require.NoError(t, m.ShowIcon())
	require.NoError(t, m.IconShown())
	token, err := m.ActivateIcon("Hello", Anchor{})
	require.NoError(t, err)

	claimed, ok := m.ClaimIconWindow()
	require.True(t, ok)
	assert.Equal(t, token, claimed)
	assert.True(t, m.Owns(claimed))

	// 同一个弹窗只能接手一次
	_, ok = m.ClaimIconWindow()
	assert.False(t, ok)

	// 直接打开的弹窗不可接手
	m.Dismiss()
	_, err = m.OpenWindow("x", Anchor{})
	require.NoError(t, err)
	_, ok = m.ClaimIconWindow()
	assert.False(t, ok)
}
