package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/nerdneilsfield/go-selection-translator/internal/backend"
	"github.com/nerdneilsfield/go-selection-translator/internal/config"
	"github.com/nerdneilsfield/go-selection-translator/internal/correlator"
	"github.com/nerdneilsfield/go-selection-translator/internal/frames"
	"github.com/nerdneilsfield/go-selection-translator/internal/logger"
	"github.com/nerdneilsfield/go-selection-translator/internal/notify"
	"github.com/nerdneilsfield/go-selection-translator/internal/translator"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/echo"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/libretranslate"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/ollama"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/openai"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/reverse"
	"github.com/nerdneilsfield/go-selection-translator/pkg/providers/stats"
)

// newRegistry 注册所有内置提供商；manager 不为空时每个提供商都包上统计中间件
func newRegistry(cfg *config.Config, manager *stats.Manager) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	for _, p := range []providers.TranslationProvider{
		echo.New(),
		reverse.New(),
		openai.New(cfg.OpenAI),
		libretranslate.New(cfg.LibreTranslate),
		ollama.New(cfg.Ollama),
	} {
		if manager != nil {
			p = stats.NewMiddleware(p, manager)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// browsingContext 一个文档及其翻译管线
type browsingContext struct {
	name        string
	doc         *goquery.Document
	frame       *frames.Frame
	session     *translator.Session
	correlator  *correlator.Correlator
	coordinator *translator.Coordinator
}

// runtime 一次命令执行期间的后端、顶层上下文和所有嵌套上下文
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	notifier notify.Notifier
	channel  *backend.Channel
	host     *backend.Host
	stats    *stats.Manager
	top      *browsingContext
	nested   []*browsingContext
}

func newRuntime(ctx context.Context, cfg *config.Config, log *zap.Logger, notifier notify.Notifier, out io.Writer) (*runtime, error) {
	manager := stats.NewManager(log)
	registry, err := newRegistry(cfg, manager)
	if err != nil {
		return nil, err
	}

	channel := backend.NewChannel(log)
	host, err := backend.NewHost(channel, registry, cfg.Backend, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend host: %w", err)
	}
	host.Start(ctx)

	return &runtime{
		cfg:      cfg,
		logger:   log,
		notifier: notifier,
		channel:  channel,
		host:     host,
		stats:    manager,
	}, nil
}

// attachTop 为顶层文档建立上下文；弹窗在 out 上渲染
func (r *runtime) attachTop(ctx context.Context, name string, doc *goquery.Document, out io.Writer) (*browsingContext, error) {
	frame := frames.NewTop(r.logger, frames.WithWindowTimeout(r.cfg.WindowTimeout))
	bc, err := r.attach(ctx, name, doc, frame, newConsolePresenter(out))
	if err != nil {
		return nil, err
	}
	r.top = bc
	return bc, nil
}

// attachNested 把 doc 作为顶层文档的子框架挂载，并重新排布所有子框架
func (r *runtime) attachNested(ctx context.Context, name string, doc *goquery.Document) (*browsingContext, error) {
	if r.top == nil {
		return nil, errors.New("top context must be attached first")
	}
	frame, err := r.top.frame.Embed(name, frames.Rect{}, frames.WithWindowTimeout(r.cfg.WindowTimeout))
	if err != nil {
		return nil, err
	}
	bc, err := r.attach(ctx, name, doc, frame, nil)
	if err != nil {
		return nil, err
	}
	r.nested = append(r.nested, bc)
	r.layoutNested()
	return bc, nil
}

// layoutNested 嵌套文档按挂载顺序纵向排布
func (r *runtime) layoutNested() {
	for i, bc := range r.nested {
		rect := frames.Rect{Top: float64(i * frameHeight), Width: frameWidth, Height: frameHeight}
		if !r.top.frame.UpdateRect(bc.name, rect) {
			r.logger.Warn("nested frame is not embedded in the top context", zap.String("context", bc.name))
		}
	}
}

func (r *runtime) attach(ctx context.Context, name string, doc *goquery.Document, frame *frames.Frame, presenter *consolePresenter) (*browsingContext, error) {
	log := logger.NewContextLogger(r.logger, name, frame.ID())

	session := translator.NewSession(r.cfg.Failure)
	seeded, err := r.cfg.SeedCache(session.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to load predefined translations: %w", err)
	}
	if seeded > 0 {
		log.Info("predefined translations loaded", zap.Int("entries", seeded))
	}

	corr := correlator.New(r.channel, session.Cache, r.notifier, r.cfg.Correlator, log)
	corr.Start(ctx)

	opts := translator.Options{
		Document:    doc.Nodes[0],
		Session:     session,
		Frame:       frame,
		Correlator:  corr,
		Settings:    r.cfg,
		Notifier:    r.notifier,
		Logger:      log,
		GraceWindow: r.cfg.GraceWindow,
	}
	if presenter != nil {
		opts.Presenter = presenter
	}
	coordinator, err := translator.NewCoordinator(opts)
	if err != nil {
		_ = corr.Close(ctx)
		return nil, err
	}

	if err := frame.Start(ctx); err != nil {
		_ = corr.Close(ctx)
		return nil, fmt.Errorf("failed to start frame %s: %w", name, err)
	}

	return &browsingContext{
		name:        name,
		doc:         doc,
		frame:       frame,
		session:     session,
		correlator:  corr,
		coordinator: coordinator,
	}, nil
}

// contexts 顶层在前，嵌套按挂载顺序
func (r *runtime) contexts() []*browsingContext {
	var all []*browsingContext
	if r.top != nil {
		all = append(all, r.top)
	}
	return append(all, r.nested...)
}

// Close 先关闭嵌套上下文，再关闭顶层与后端
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.nested) - 1; i >= 0; i-- {
		errs = append(errs, r.nested[i].close(ctx))
	}
	if r.top != nil {
		errs = append(errs, r.top.close(ctx))
	}
	errs = append(errs, r.host.Close(ctx))
	return errors.Join(errs...)
}

func (bc *browsingContext) close(ctx context.Context) error {
	bc.coordinator.DismissOverlay(ctx)
	return errors.Join(bc.frame.Close(ctx), bc.correlator.Close(ctx))
}
