package translator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/nerdneilsfield/go-selection-translator/internal/correlator"
	"github.com/nerdneilsfield/go-selection-translator/internal/document"
	"github.com/nerdneilsfield/go-selection-translator/internal/frames"
	"github.com/nerdneilsfield/go-selection-translator/internal/notify"
	"github.com/nerdneilsfield/go-selection-translator/internal/overlay"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

// Options 协调器依赖
type Options struct {
	// Document 本上下文的文档根节点，RevertAll 在其中扫描
	Document *html.Node
	Session  *Session
	// Frame 跨上下文协调端点；为 nil 时按独立顶层上下文工作
	Frame      *frames.Frame
	Correlator *correlator.Correlator
	Presenter  overlay.Presenter
	Settings   SettingsProvider
	Notifier   notify.Notifier
	Logger     *zap.Logger
	// GraceWindow 打开弹窗后屏蔽外部点击的时长
	GraceWindow time.Duration
}

// Coordinator 选区翻译流水线：收集、查缓存、展开、提交、重组、替换、展示
type Coordinator struct {
	doc        *html.Node
	session    *Session
	frame      *frames.Frame
	correlator *correlator.Correlator
	machine    *overlay.Machine
	collector  *document.Collector
	replacer   *document.Replacer
	settings   SettingsProvider
	notifier   notify.Notifier
	logger     *zap.Logger

	mu        sync.Mutex
	relayHeld bool

	now func() time.Time
}

var (
	_ frames.Listener   = (*Coordinator)(nil)
	_ frames.WindowHost = (*Coordinator)(nil)
)

// NewCoordinator 创建协调器，并把自己挂到 Frame 上接收跨上下文事件
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Document == nil {
		return nil, fmt.Errorf("document cannot be nil")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if opts.Correlator == nil {
		return nil, fmt.Errorf("correlator cannot be nil")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("settings provider cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// 嵌套上下文只跟踪状态，弹窗由顶层渲染
	presenter := opts.Presenter
	if opts.Frame != nil && !opts.Frame.IsTop() {
		presenter = nil
	}

	c := &Coordinator{
		doc:        opts.Document,
		session:    opts.Session,
		frame:      opts.Frame,
		correlator: opts.Correlator,
		machine:    overlay.NewMachine(presenter, opts.GraceWindow, logger),
		collector:  document.NewCollector(logger),
		replacer:   document.NewReplacer(opts.Session.Reverts, logger),
		settings:   opts.Settings,
		notifier:   notify.OrNop(opts.Notifier),
		logger:     logger.Named("coordinator"),
		now:        time.Now,
	}

	// 关闭时：先取消进行中的翻译，再释放转发引用
	c.machine.OnDismiss(func() { c.correlator.CancelActive() })
	c.machine.OnDismiss(c.releaseRelay)

	if c.frame != nil {
		c.frame.SetListener(c)
		if c.frame.IsTop() {
			c.frame.SetWindowHost(c)
		}
	}
	return c, nil
}

// Overlay 浮层状态机，供界面层驱动图标相关的转换
func (c *Coordinator) Overlay() *overlay.Machine {
	return c.machine
}

// StartSelectionTranslation 翻译 root 下的可见文本并原位替换
//
// 无文本、冷却跳过、被取消都是信息性结局，返回 nil 错误；
// 载荷过大和后端失败返回错误，同时释放浮层。
func (c *Coordinator) StartSelectionTranslation(ctx context.Context, root *goquery.Selection, position frames.Position) (*Outcome, error) {
	start := c.now()
	settings := c.settings.Settings()
	outcome := &Outcome{StartTime: start}
	defer func() { outcome.Duration = c.now().Sub(start) }()

	// 点击图标刚打开的弹窗由本次翻译接手，沿用其交互令牌；
	// 否则上一个浮层及其任务先结束，再开始新的操作（Begin 会清除取消锁存）
	token, claimed := c.machine.ClaimIconWindow()
	if !claimed {
		c.machine.Dismiss()
	}
	c.correlator.Begin()

	col, err := c.collector.Collect(root)
	if err != nil {
		outcome.Status = StatusNoText
		outcome.Err = err
		notify.Info(c.notifier, translation.ErrCodeNoText, "No translatable text in the selection")
		if claimed {
			c.machine.Dismiss()
		}
		return outcome, nil
	}
	keys := col.Index.Keys()
	outcome.Units = len(col.Units)
	outcome.UniqueTexts = len(keys)

	token = c.openWindow(ctx, token, strings.Join(keys, "\n"), position)

	translations, cancelled, err := c.translateTexts(ctx, settings, keys, outcome)
	switch {
	case err != nil && errors.Is(err, translation.ErrTemporarilySkipped):
		outcome.Status = StatusSkipped
		outcome.Err = err
		notify.Info(c.notifier, translation.ErrCodeSkipped, "Translation temporarily skipped after repeated failures")
		c.machine.Dismiss()
		return outcome, nil
	case err != nil:
		outcome.Status = StatusFailed
		outcome.Err = err
		notify.Error(c.notifier, translation.CodeOf(err), "Translation failed: %v", err)
		c.machine.Dismiss()
		return outcome, err
	case cancelled:
		outcome.Status = StatusCancelled
		outcome.Err = translation.ErrCancelled
		c.logger.Debug("selection translation cancelled", zap.String("requestId", outcome.RequestID))
		return outcome, nil
	}

	applied := c.replacer.Apply(col.Units, translations)
	outcome.Applied = applied.Applied
	outcome.ApplySkipped = applied.Skipped
	outcome.Status = StatusTranslated

	if token != "" {
		c.machine.Deliver(token, joinTranslations(keys, translations))
	}

	c.logger.Info("selection translated",
		zap.String("requestId", outcome.RequestID),
		zap.Int("units", outcome.Units),
		zap.Int("unique", outcome.UniqueTexts),
		zap.Int("cached", outcome.Cached),
		zap.Int("translated", outcome.Translated),
		zap.Int("applied", outcome.Applied))
	return outcome, nil
}

// translateTexts 查缓存、过滤冷却文本、提交剩余文本并等待结果
//
// 返回的 map 包含缓存命中与新译文；cancelled 为 true 时 map 为 nil。
func (c *Coordinator) translateTexts(ctx context.Context, settings Settings, keys []string, outcome *Outcome) (map[string]string, bool, error) {
	toTranslate, cached := translation.Partition(c.session.Cache, keys)
	c.session.Cache.RecordLookups(len(cached), len(toTranslate))
	outcome.Cached = len(cached)

	pending := make([]string, 0, len(toTranslate))
	for _, text := range toTranslate {
		if c.session.Failures.ShouldSkip(text) {
			outcome.Skipped++
			continue
		}
		pending = append(pending, text)
	}

	if len(pending) == 0 && len(cached) == 0 && outcome.Skipped > 0 {
		return nil, false, translation.NewTranslationError(translation.ErrCodeSkipped,
			fmt.Sprintf("%d text(s) failed repeatedly", outcome.Skipped), translation.ErrTemporarilySkipped)
	}
	if outcome.Skipped > 0 {
		notify.Info(c.notifier, translation.ErrCodeSkipped, "%d text(s) temporarily skipped after repeated failures", outcome.Skipped)
	}

	translations := make(map[string]string, len(keys))
	for k, v := range cached {
		translations[k] = v
	}
	if len(pending) == 0 {
		return translations, false, nil
	}

	handle, err := c.correlator.Submit(ctx, correlator.Job{
		Batch:      translation.Expand(pending),
		SourceLang: settings.SourceLang,
		TargetLang: settings.TargetLang,
		Provider:   settings.Provider,
		Timeout:    settings.JobTimeout,
	})
	if err != nil {
		return nil, false, err
	}
	outcome.RequestID = handle.ID

	res, err := handle.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.correlator.Cancel(handle.ID)
		}
		if isBackendFailure(err) {
			for _, text := range pending {
				c.session.Failures.RecordFailure(text, err)
			}
		}
		return nil, false, err
	}
	if res.Cancelled {
		return nil, true, nil
	}

	degraded := make(map[string]bool)
	if res.Mismatch != nil {
		for _, text := range res.Mismatch.Degraded {
			degraded[text] = true
		}
		outcome.Degraded = len(res.Mismatch.Degraded)
		c.logger.Warn("partial segment mismatch", zap.Error(res.Mismatch.Err()))
		notify.Warn(c.notifier, translation.ErrCodeMismatch, "Some text could not be aligned and was kept as is")
	}
	for source, translated := range res.Translations {
		translations[source] = translated
		if !degraded[source] {
			c.session.Failures.RecordSuccess(source)
			outcome.Translated++
		}
	}
	return translations, false, nil
}

func isBackendFailure(err error) bool {
	return errors.Is(err, translation.ErrBackend) ||
		errors.Is(err, translation.ErrEmptyTranslation) ||
		errors.Is(err, translation.ErrMalformedResponse)
}

// openWindow 打开弹窗并持有转发引用；嵌套上下文同时请求顶层承载
//
// token 非空时弹窗已由图标打开，不再新开。
func (c *Coordinator) openWindow(ctx context.Context, token, text string, position frames.Position) string {
	if token == "" {
		anchor := position
		if c.frame != nil {
			anchor = c.frame.DocumentPosition(position)
		}
		var err error
		token, err = c.machine.OpenWindow(text, overlay.Anchor{X: anchor.X, Y: anchor.Y})
		if err != nil {
			c.logger.Warn("failed to open overlay", zap.Error(err))
			return ""
		}
	}
	c.acquireRelay(ctx)

	if c.frame != nil && !c.frame.IsTop() {
		if _, err := c.frame.RequestWindow(ctx, text, position); err != nil {
			c.logger.Warn("top context could not host the overlay", zap.Error(err))
		}
	}
	return token
}

// CreateWindow 顶层为嵌套上下文承载弹窗，并异步翻译弹窗文本
func (c *Coordinator) CreateWindow(ctx context.Context, req frames.WindowRequest) (string, error) {
	c.machine.Dismiss()
	// 在弹窗可被关闭之前开始新操作，关闭时的取消才能锁存到随后的提交上
	c.correlator.Begin()
	token, err := c.machine.OpenWindow(req.Text, overlay.Anchor{X: req.Position.X, Y: req.Position.Y})
	if err != nil {
		return "", err
	}
	c.acquireRelay(ctx)

	go c.translateWindow(ctx, token, req.Text)
	return token, nil
}

// translateWindow 翻译顶层承载的弹窗文本；已缓存的行不会再次提交
func (c *Coordinator) translateWindow(ctx context.Context, token, text string) {
	settings := c.settings.Settings()

	keys := uniqueLines(text)
	outcome := &Outcome{StartTime: c.now(), UniqueTexts: len(keys)}
	translations, cancelled, err := c.translateTexts(ctx, settings, keys, outcome)
	if err != nil {
		if !translation.IsInformational(err) {
			notify.Error(c.notifier, translation.CodeOf(err), "Translation failed: %v", err)
		}
		c.logger.Warn("window translation failed", zap.Error(err))
		return
	}
	if cancelled {
		return
	}
	c.machine.Deliver(token, joinTranslations(keys, translations))
}

// OnOutsideClick 其他上下文转发来的外部交互
func (c *Coordinator) OnOutsideClick(_ context.Context, click frames.OutsideClick) {
	if c.machine.OutsideClick("") {
		c.logger.Debug("overlay dismissed by relayed click",
			zap.String("origin", click.FrameID),
			zap.String("forwardedFrom", click.ForwardedFrom))
	}
}

// OnRelayChanged 全局转发开关变化
func (c *Coordinator) OnRelayChanged(active bool) {
	c.logger.Debug("outside click relay changed", zap.Bool("active", active))
}

// LocalOutsideClick 本上下文中的外部交互；token 为触发该交互的令牌（可为空）
//
// 除了打开弹窗的那次交互，其余交互都转发给其他上下文。
func (c *Coordinator) LocalOutsideClick(ctx context.Context, token string) bool {
	activating := c.machine.Owns(token)
	if !activating && c.frame != nil {
		if err := c.frame.ReportOutsideClick(ctx); err != nil {
			c.logger.Warn("failed to relay outside click", zap.Error(err))
		}
	}
	return c.machine.OutsideClick(token)
}

// DismissOverlay 关闭浮层，取消进行中的翻译
func (c *Coordinator) DismissOverlay(ctx context.Context) {
	// 先转发再释放引用，否则顶层可能在收到点击前关闭转发
	if c.frame != nil {
		if err := c.frame.ReportOutsideClick(ctx); err != nil {
			c.logger.Warn("failed to relay dismissal", zap.Error(err))
		}
	}
	c.machine.Dismiss()
}

// RevertAll 还原本会话中所有替换，返回还原数量
func (c *Coordinator) RevertAll() int {
	reverted := c.replacer.Revert(c.doc)
	if dropped := c.replacer.Forget(c.doc); dropped > 0 {
		c.logger.Debug("forgot wrappers removed by the page", zap.Int("dropped", dropped))
	}
	c.logger.Info("translations reverted", zap.Int("reverted", reverted))
	return reverted
}

func (c *Coordinator) acquireRelay(ctx context.Context) {
	if c.frame == nil {
		return
	}
	c.mu.Lock()
	if c.relayHeld {
		c.mu.Unlock()
		return
	}
	c.relayHeld = true
	c.mu.Unlock()

	if err := c.frame.AcquireRelay(ctx); err != nil {
		c.logger.Warn("failed to acquire outside click relay", zap.Error(err))
		c.mu.Lock()
		c.relayHeld = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) releaseRelay() {
	if c.frame == nil {
		return
	}
	c.mu.Lock()
	if !c.relayHeld {
		c.mu.Unlock()
		return
	}
	c.relayHeld = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.frame.ReleaseRelay(ctx); err != nil {
		c.logger.Warn("failed to release outside click relay", zap.Error(err))
	}
}

func joinTranslations(keys []string, translations map[string]string) string {
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		if v, ok := translations[key]; ok {
			lines = append(lines, v)
		}
	}
	return strings.Join(lines, "\n")
}

func uniqueLines(text string) []string {
	seen := make(map[string]bool)
	var lines []string
	for _, line := range translation.SplitLines(text) {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	return lines
}
