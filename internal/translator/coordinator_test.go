package translator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/nerdneilsfield/go-selection-translator/internal/backend"
	"github.com/nerdneilsfield/go-selection-translator/internal/correlator"
	"github.com/nerdneilsfield/go-selection-translator/internal/frames"
	"github.com/nerdneilsfield/go-selection-translator/internal/notify"
	"github.com/nerdneilsfield/go-selection-translator/internal/overlay"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/reverse"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

type fakePresenter struct {
	mu     sync.Mutex
	events []string
	anchor overlay.Anchor
}

func (p *fakePresenter) record(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePresenter) ShowIcon() { p.record("icon") }
func (p *fakePresenter) ShowWindow(text string, at overlay.Anchor) {
	p.mu.Lock()
	p.anchor = at
	p.mu.Unlock()
	p.record("window:" + text)
}
func (p *fakePresenter) Deliver(content string) { p.record("deliver:" + content) }
func (p *fakePresenter) Remove()                { p.record("remove") }

func (p *fakePresenter) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type failing struct{}

func (failing) Translate(context.Context, *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	return nil, errors.New("quota exceeded")
}
func (failing) GetName() string                         { return "failing" }
func (failing) GetCapabilities() providers.Capabilities { return providers.Capabilities{} }

// gated 收到放行信号前一直阻塞，之后按 reverse 翻译
type gated struct {
	release chan struct{}
}

func (g *gated) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return reverse.New().Translate(ctx, req)
}
func (g *gated) GetName() string                         { return "gated" }
func (g *gated) GetCapabilities() providers.Capabilities { return providers.Capabilities{} }

// counting 统计调用次数，按 reverse 翻译
type counting struct {
	calls atomic.Int32
}

func (c *counting) Translate(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	c.calls.Add(1)
	return reverse.New().Translate(ctx, req)
}
func (c *counting) GetName() string                         { return "counting" }
func (c *counting) GetCapabilities() providers.Capabilities { return reverse.New().GetCapabilities() }

// heldSettings 放行前阻塞读取配置的一方
type heldSettings struct {
	StaticSettings
	release chan struct{}
}

func (h heldSettings) Settings() Settings {
	<-h.release
	return h.StaticSettings.Settings()
}

func startBackend(t *testing.T, extra ...providers.TranslationProvider) *backend.Channel {
	t.Helper()
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(reverse.New()))
	require.NoError(t, registry.Register(failing{}))
	for _, p := range extra {
		require.NoError(t, registry.Register(p))
	}

	channel := backend.NewChannel(nil)
	host, err := backend.NewHost(channel, registry, backend.HostConfig{Workers: 2}, nil)
	require.NoError(t, err)
	host.Start(context.Background())
	t.Cleanup(func() { _ = host.Close(context.Background()) })
	return channel
}

type fixture struct {
	c         *Coordinator
	doc       *goquery.Document
	session   *Session
	corr      *correlator.Correlator
	presenter *fakePresenter
	notices   *notify.Recorder
}

type fixtureOptions struct {
	provider string
	frame    *frames.Frame
	corrCfg  correlator.Config
	policy   translation.FailurePolicy
	grace    time.Duration
	settings SettingsProvider
}

func newFixture(t *testing.T, channel *backend.Channel, src string, opts fixtureOptions) *fixture {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	require.NoError(t, err)

	if opts.provider == "" {
		opts.provider = "reverse"
	}
	if opts.policy.MaxAttempts == 0 {
		opts.policy = translation.DefaultFailurePolicy()
	}
	if opts.settings == nil {
		opts.settings = StaticSettings{SourceLang: "en", TargetLang: "de", Provider: opts.provider}
	}

	f := &fixture{
		doc:       doc,
		session:   NewSession(opts.policy),
		presenter: &fakePresenter{},
		notices:   &notify.Recorder{},
	}
	f.corr = correlator.New(channel, f.session.Cache, f.notices, opts.corrCfg, nil)
	f.corr.Start(context.Background())
	t.Cleanup(func() { _ = f.corr.Close(context.Background()) })

	f.c, err = NewCoordinator(Options{
		Document:    doc.Nodes[0],
		Session:     f.session,
		Frame:       opts.frame,
		Correlator:  f.corr,
		Presenter:   f.presenter,
		Settings:    opts.settings,
		Notifier:    f.notices,
		GraceWindow: opts.grace,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) render(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, html.Render(&buf, f.doc.Nodes[0]))
	return buf.String()
}

func lineTexts(doc *goquery.Document, selector string) []string {
	var texts []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, s.Text())
	})
	return texts
}

const helloWorld = `<html><head></head><body><div id="root"><p>Hello</p><div><b>Hello</b></div><span>World</span></div></body></html>`

func TestHelloWorldScenario(t *testing.T) {
	channel := startBackend(t)
	f := newFixture(t, channel, helloWorld, fixtureOptions{})
	before := f.render(t)
	ctx := context.Background()

	outcome, err := f.c.StartSelectionTranslation(ctx, f.doc.Find("#root"), frames.Position{X: 10, Y: 20})
	require.NoError(t, err)
	assert.Equal(t, StatusTranslated, outcome.Status)
	assert.Equal(t, 3, outcome.Units)
	assert.Equal(t, 2, outcome.UniqueTexts)
	assert.Equal(t, 2, outcome.Translated)
	assert.Equal(t, 3, outcome.Applied)
	assert.NotEmpty(t, outcome.RequestID)

	assert.Equal(t, "olleH", f.doc.Find("p").Text())
	assert.Equal(t, "olleH", f.doc.Find("b").Text())
	assert.Equal(t, "dlroW", f.doc.Find("#root > span").Text())

	for src, want := range map[string]string{"Hello": "olleH", "World": "dlroW"} {
		got, ok := f.session.Cache.Peek(src)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	assert.Equal(t, []string{"window:Hello\nWorld", "deliver:olleH\ndlroW"}, f.presenter.snapshot())
	assert.Equal(t, overlay.WindowVisible, f.c.Overlay().State())
	assert.Equal(t, overlay.Anchor{X: 10, Y: 20}, f.presenter.anchor)

	assert.Equal(t, 3, f.c.RevertAll())
	assert.Equal(t, before, f.render(t))
	assert.Equal(t, 0, f.c.RevertAll())

	// 第二次全部命中缓存，不再请求后端
	outcome, err = f.c.StartSelectionTranslation(ctx, f.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Cached)
	assert.Equal(t, 0, outcome.Translated)
	assert.Empty(t, outcome.RequestID)
	assert.Equal(t, 3, outcome.Applied)
	assert.Equal(t, []string{"olleH", "olleH", "dlroW"}, lineTexts(f.doc, ".selection-translated-line"))
}

func TestMultiLineText(t *testing.T) {
	channel := startBackend(t)
	f := newFixture(t, channel, "<html><body><pre id=\"root\">Line1\nLine2</pre></body></html>", fixtureOptions{})

	outcome, err := f.c.StartSelectionTranslation(context.Background(), f.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Applied)
	assert.Equal(t, []string{"1eniL", "2eniL"}, lineTexts(f.doc, ".selection-translated-line"))

	got, _ := f.session.Cache.Peek("Line1\nLine2")
	assert.Equal(t, "1eniL\n2eniL", got)
}

func TestNoTextIsInformational(t *testing.T) {
	channel := startBackend(t)
	f := newFixture(t, channel, `<html><body><div id="root"><script>x()</script></div></body></html>`, fixtureOptions{})

	outcome, err := f.c.StartSelectionTranslation(context.Background(), f.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	assert.Equal(t, StatusNoText, outcome.Status)
	assert.ErrorIs(t, outcome.Err, translation.ErrNoTranslatableText)
	assert.Equal(t, []string{translation.ErrCodeNoText}, f.notices.Codes())
	assert.Equal(t, notify.LevelInfo, f.notices.Notices()[0].Level)
	assert.Empty(t, f.presenter.snapshot())
}

func TestBackendFailureThenCooldownSkip(t *testing.T) {
	channel := startBackend(t)
	f := newFixture(t, channel, helloWorld, fixtureOptions{
		provider: "failing",
		policy:   translation.FailurePolicy{MaxAttempts: 1, Cooldown: time.Hour},
	})
	before := f.render(t)
	ctx := context.Background()

	outcome, err := f.c.StartSelectionTranslation(ctx, f.doc.Find("#root"), frames.Position{})
	require.Error(t, err)
	assert.ErrorIs(t, err, translation.ErrBackend)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, before, f.render(t))
	assert.Equal(t, 0, f.session.Cache.Len())
	assert.Equal(t, overlay.Idle, f.c.Overlay().State())
	assert.Equal(t, 0, f.corr.Pending())

	notices := f.notices.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelError, notices[0].Level)
	assert.Equal(t, translation.ErrCodeBackend, notices[0].Code)

	// 同样的文本在冷却期内被跳过，与新的失败区分开
	outcome, err = f.c.StartSelectionTranslation(ctx, f.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Equal(t, 2, outcome.Skipped)
	assert.ErrorIs(t, outcome.Err, translation.ErrTemporarilySkipped)
	assert.Equal(t, translation.ErrCodeSkipped, f.notices.Codes()[1])
	assert.Equal(t, notify.LevelInfo, f.notices.Notices()[1].Level)
}

func TestPayloadTooLargeRejectedBeforeSend(t *testing.T) {
	channel := startBackend(t)
	src := `<html><body><div id="root"><p>` + strings.Repeat("a", 60000) + `</p></div></body></html>`
	f := newFixture(t, channel, src, fixtureOptions{})

	outcome, err := f.c.StartSelectionTranslation(context.Background(), f.doc.Find("#root"), frames.Position{})
	assert.ErrorIs(t, err, translation.ErrPayloadTooLarge)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Empty(t, outcome.RequestID)
	assert.Equal(t, 0, f.corr.Pending())
	assert.Equal(t, []string{translation.ErrCodePayload}, f.notices.Codes())
	assert.Equal(t, overlay.Idle, f.c.Overlay().State())
}

func TestDismissCancelsInFlightTranslation(t *testing.T) {
	gate := &gated{release: make(chan struct{})}
	channel := startBackend(t, gate)
	f := newFixture(t, channel, helloWorld, fixtureOptions{provider: "gated"})
	before := f.render(t)

	type result struct {
		outcome *Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := f.c.StartSelectionTranslation(context.Background(), f.doc.Find("#root"), frames.Position{})
		done <- result{o, err}
	}()

	require.Eventually(t, func() bool { return f.corr.Pending() == 1 }, time.Second, 5*time.Millisecond)
	f.c.DismissOverlay(context.Background())

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("translation did not finish after dismissal")
	}
	require.NoError(t, res.err)
	assert.Equal(t, StatusCancelled, res.outcome.Status)
	assert.Equal(t, before, f.render(t))
	assert.Equal(t, overlay.Idle, f.c.Overlay().State())
	assert.NotContains(t, f.presenter.snapshot(), "deliver:olleH\ndlroW")

	// 后端已经在处理，结果迟到后仍写入缓存
	close(gate.release)
	require.Eventually(t, func() bool { return f.session.Cache.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestIconActivatedWindowKeepsToken(t *testing.T) {
	channel := startBackend(t)
	f := newFixture(t, channel, helloWorld, fixtureOptions{})
	ctx := context.Background()
	machine := f.c.Overlay()

	require.NoError(t, machine.ShowIcon())
	require.NoError(t, machine.IconShown())
	token, err := machine.ActivateIcon("Hello", overlay.Anchor{X: 3, Y: 4})
	require.NoError(t, err)

	outcome, err := f.c.StartSelectionTranslation(ctx, f.doc.Find("#root"), frames.Position{X: 3, Y: 4})
	require.NoError(t, err)
	assert.Equal(t, StatusTranslated, outcome.Status)

	// 译文投递到图标打开的弹窗，没有关闭再重开
	assert.Equal(t, []string{"icon", "window:Hello", "deliver:olleH\ndlroW"}, f.presenter.snapshot())
	assert.Equal(t, overlay.WindowVisible, machine.State())
	assert.True(t, machine.Owns(token))

	// 打开弹窗的那次交互继续传播时不会关闭它
	assert.False(t, f.c.LocalOutsideClick(ctx, token))
	assert.Equal(t, overlay.WindowVisible, machine.State())

	// 第二次选区翻译不再沿用已接手的弹窗
	_, err = f.c.StartSelectionTranslation(ctx, f.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	assert.False(t, machine.Owns(token))
	assert.Contains(t, f.presenter.snapshot(), "remove")
}

func TestIconActivatedWindowWithoutTextIsDismissed(t *testing.T) {
	channel := startBackend(t)
	f := newFixture(t, channel, `<html><body><div id="root"><script>x()</script></div></body></html>`, fixtureOptions{})
	machine := f.c.Overlay()

	require.NoError(t, machine.ShowIcon())
	require.NoError(t, machine.IconShown())
	_, err := machine.ActivateIcon("", overlay.Anchor{})
	require.NoError(t, err)

	outcome, err := f.c.StartSelectionTranslation(context.Background(), f.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	assert.Equal(t, StatusNoText, outcome.Status)
	assert.Equal(t, overlay.Idle, machine.State())
	assert.Equal(t, []string{"icon", "window:", "remove"}, f.presenter.snapshot())
}

func TestHostedWindowDismissedBeforeSubmitSendsNothing(t *testing.T) {
	counter := &counting{}
	channel := startBackend(t, counter)
	held := heldSettings{
		StaticSettings: StaticSettings{SourceLang: "en", TargetLang: "de", Provider: "counting"},
		release:        make(chan struct{}),
	}
	f := newFixture(t, channel, helloWorld, fixtureOptions{provider: "counting", settings: held})
	ctx := context.Background()

	token, err := f.c.CreateWindow(ctx, frames.WindowRequest{FrameID: "child", Text: "Hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// 翻译协程还卡在读取配置，此时关闭弹窗
	f.c.DismissOverlay(ctx)
	close(held.release)

	assert.Never(t, func() bool { return counter.calls.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 0, f.corr.Pending())
	assert.Equal(t, 0, f.session.Cache.Len())
	assert.Equal(t, []string{"window:Hello", "remove"}, f.presenter.snapshot())
}

func TestNestedFrameSelection(t *testing.T) {
	channel := startBackend(t)
	ctx := context.Background()

	top := frames.NewTop(nil)
	nested, err := top.Embed("reader", frames.Rect{Left: 100, Top: 50, Width: 600, Height: 400})
	require.NoError(t, err)
	top.SetScroll(frames.Scroll{Y: 300})

	topFix := newFixture(t, channel, `<html><body><p>outer</p></body></html>`, fixtureOptions{frame: top, grace: time.Millisecond})
	innerFix := newFixture(t, channel, helloWorld, fixtureOptions{frame: nested, grace: time.Millisecond})

	require.NoError(t, top.Start(ctx))
	require.NoError(t, nested.Start(ctx))
	t.Cleanup(func() {
		_ = nested.Close(context.Background())
		_ = top.Close(context.Background())
	})
	require.Eventually(t, func() bool { return top.Registered(nested.ID()) }, time.Second, 5*time.Millisecond)

	outcome, err := innerFix.c.StartSelectionTranslation(ctx, innerFix.doc.Find("#root"), frames.Position{X: 5, Y: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusTranslated, outcome.Status)
	assert.Equal(t, "olleH", innerFix.doc.Find("p").Text())

	// 浮层只在顶层渲染，位置已换算到顶层文档坐标
	assert.Empty(t, innerFix.presenter.snapshot())
	require.Eventually(t, func() bool {
		events := topFix.presenter.snapshot()
		return len(events) == 2 && events[1] == "deliver:olleH\ndlroW"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "window:Hello\nWorld", topFix.presenter.snapshot()[0])
	assert.Equal(t, overlay.Anchor{X: 105, Y: 355}, topFix.presenter.anchor)
	require.Eventually(t, nested.RelayActive, time.Second, 5*time.Millisecond)

	// 顶层的外部点击关闭浮层，并转发给嵌套上下文
	time.Sleep(5 * time.Millisecond)
	assert.True(t, topFix.c.LocalOutsideClick(ctx, ""))
	assert.Equal(t, "remove", topFix.presenter.snapshot()[2])
	require.Eventually(t, func() bool {
		return innerFix.c.Overlay().State() == overlay.Idle
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !top.RelayActive() }, time.Second, 5*time.Millisecond)
}

func TestNestedSelectionUsesTopCacheForWindow(t *testing.T) {
	counter := &counting{}
	channel := startBackend(t, counter)
	ctx := context.Background()

	top := frames.NewTop(nil)
	nested, err := top.Embed("reader", frames.Rect{Left: 10, Top: 10, Width: 300, Height: 200})
	require.NoError(t, err)

	opts := fixtureOptions{provider: "counting", frame: top, grace: time.Millisecond}
	topFix := newFixture(t, channel, `<html><body><p>outer</p></body></html>`, opts)
	opts.frame = nested
	innerFix := newFixture(t, channel, helloWorld, opts)

	require.NoError(t, top.Start(ctx))
	require.NoError(t, nested.Start(ctx))
	t.Cleanup(func() {
		_ = nested.Close(context.Background())
		_ = top.Close(context.Background())
	})
	require.Eventually(t, func() bool { return top.Registered(nested.ID()) }, time.Second, 5*time.Millisecond)

	delivered := func(n int) func() bool {
		return func() bool {
			count := 0
			for _, e := range topFix.presenter.snapshot() {
				if e == "deliver:olleH\ndlroW" {
					count++
				}
			}
			return count == n
		}
	}

	// 第一次：嵌套上下文和顶层弹窗各自提交一次
	_, err = innerFix.c.StartSelectionTranslation(ctx, innerFix.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	require.Eventually(t, delivered(1), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return topFix.session.Cache.Len() == 2 }, time.Second, 5*time.Millisecond)
	first := counter.calls.Load()
	assert.Positive(t, first)

	// 第二次：两边都命中缓存，后端不再收到请求
	innerFix.c.RevertAll()
	_, err = innerFix.c.StartSelectionTranslation(ctx, innerFix.doc.Find("#root"), frames.Position{})
	require.NoError(t, err)
	require.Eventually(t, delivered(2), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, first, counter.calls.Load())
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(Options{})
	assert.Error(t, err)
}
