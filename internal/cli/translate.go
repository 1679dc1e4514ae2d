package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/nerdneilsfield/go-selection-translator/internal/config"
	"github.com/nerdneilsfield/go-selection-translator/internal/frames"
	"github.com/nerdneilsfield/go-selection-translator/internal/logger"
	"github.com/nerdneilsfield/go-selection-translator/internal/notify"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

// translateOptions translate 命令的标志
type translateOptions struct {
	selector      string
	output        string
	frames        []string
	frameSelector string
	sourceLang    string
	targetLang    string
	provider      string
	predefined    string
	x, y          float64
	revert        bool
	quiet         bool
}

// 嵌套文档按挂载顺序纵向排布时每个框架的尺寸
const (
	frameWidth  = 800
	frameHeight = 400
)

// NewTranslateCommand 创建 translate 命令
func NewTranslateCommand() *cobra.Command {
	opts := &translateOptions{}
	cmd := &cobra.Command{
		Use:   "translate [flags] input.html",
		Short: "Translate the selected part of an HTML page in place",
		Long: `Translate the visible text under a CSS selector and replace it in place.

Every text node is replaced by a marked wrapper that keeps the original text,
so the page can be reverted later. Nested documents given with --frame are
attached as child frames of the page; their popup is hosted by the top page.

Examples:
  # Translate the article body with the demo provider and print the result
  selectrans translate page.html --selector article --provider reverse

  # Translate a page and an embedded frame document, write both results
  selectrans translate page.html --frame sidebar.html -o out/page.html

  # Check that the replacement can be reverted byte for byte
  selectrans translate page.html --revert`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.selector, "selector", "s", "body", "CSS selector of the selection root")
	flags.StringVarP(&opts.output, "output", "o", "", "Write the translated page to this file instead of stdout")
	flags.StringArrayVar(&opts.frames, "frame", nil, "Nested frame document (repeatable)")
	flags.StringVar(&opts.frameSelector, "frame-selector", "body", "CSS selector used inside nested frame documents")
	flags.StringVar(&opts.sourceLang, "source", "", "Source language (overrides config)")
	flags.StringVar(&opts.targetLang, "target", "", "Target language (overrides config)")
	flags.StringVarP(&opts.provider, "provider", "p", "", "Translation provider (overrides config)")
	flags.StringVar(&opts.predefined, "predefined-translations", "", "TOML file with predefined translations")
	flags.Float64Var(&opts.x, "x", 0, "Popup anchor X in page coordinates")
	flags.Float64Var(&opts.y, "y", 0, "Popup anchor Y in page coordinates")
	flags.BoolVar(&opts.revert, "revert", false, "Revert all replacements after translating and verify the page is restored")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print the summary table")

	return cmd
}

func runTranslate(cmd *cobra.Command, input string, opts *translateOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyTranslateFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewLogger(cfg.Debug)
	defer func() {
		_ = log.Sync()
	}()

	stderr := cmd.ErrOrStderr()
	notifier := notify.NewConsole(stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := newRuntime(ctx, cfg, log, notifier, stderr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	topDoc, err := readDocument(input)
	if err != nil {
		return err
	}
	top, err := rt.attachTop(ctx, filepath.Base(input), topDoc, stderr)
	if err != nil {
		return err
	}

	for _, path := range opts.frames {
		doc, err := readDocument(path)
		if err != nil {
			return err
		}
		if _, err := rt.attachNested(ctx, filepath.Base(path), doc); err != nil {
			return err
		}
	}

	originals := make(map[*browsingContext]string)
	for _, bc := range rt.contexts() {
		if originals[bc], err = render(bc.doc); err != nil {
			return err
		}
	}

	var outcomes []contextOutcome
	var failed error
	for _, bc := range rt.contexts() {
		selector := opts.selector
		if bc != top {
			selector = opts.frameSelector
		}
		selection := bc.doc.Find(selector)
		if selection.Length() == 0 {
			notify.Warn(notifier, "NO_SELECTION", "%s: selector %q matched nothing", bc.name, selector)
			continue
		}

		outcome, err := bc.coordinator.StartSelectionTranslation(ctx, selection, frames.Position{X: opts.x, Y: opts.y})
		if err != nil && failed == nil {
			failed = fmt.Errorf("%s: %w", bc.name, err)
		}
		outcomes = append(outcomes, contextOutcome{Name: bc.name, Outcome: outcome})
		log.Info("context translated", zap.String("context", bc.name), zap.Stringer("outcome", outcome))
	}

	if !opts.quiet && len(outcomes) > 0 {
		cacheStats := make(map[string]translation.CacheStats)
		for _, bc := range rt.contexts() {
			cacheStats[bc.name] = bc.session.Cache.Stats()
		}
		printSummary(stderr, outcomes, cacheStats)
		printProviderStats(stderr, rt.stats.All())
	}

	if err := writeResults(cmd.OutOrStdout(), rt, input, opts.output); err != nil {
		return err
	}

	if opts.revert {
		if err := revertAndVerify(rt, originals, notifier); err != nil {
			return err
		}
	}
	return failed
}

// loadConfig 读取 --config 与 --debug
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func applyTranslateFlags(cfg *config.Config, opts *translateOptions) {
	if opts.sourceLang != "" {
		cfg.SourceLang = opts.sourceLang
	}
	if opts.targetLang != "" {
		cfg.TargetLang = opts.targetLang
	}
	if opts.provider != "" {
		cfg.Provider = opts.provider
	}
	if opts.predefined != "" {
		cfg.PredefinedTranslationsPath = opts.predefined
	}
}

func readDocument(path string) (*goquery.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

func render(doc *goquery.Document) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, doc.Nodes[0]); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// writeResults 顶层页面写到 output（为空时写 stdout）；嵌套文档写到 output 同目录
func writeResults(stdout io.Writer, rt *runtime, input, output string) error {
	page, err := render(rt.top.doc)
	if err != nil {
		return err
	}
	if output == "" {
		_, err := io.WriteString(stdout, page)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(output, []byte(page), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	for _, bc := range rt.nested {
		content, err := render(bc.doc)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(bc.name, filepath.Ext(bc.name)) + ".translated" + filepath.Ext(bc.name)
		path := filepath.Join(filepath.Dir(output), name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

// revertAndVerify 还原所有上下文，并检查序列化结果与翻译前一致
func revertAndVerify(rt *runtime, originals map[*browsingContext]string, notifier notify.Notifier) error {
	for _, bc := range rt.contexts() {
		reverted := bc.coordinator.RevertAll()
		if remaining := bc.session.Reverts.Len(); remaining > 0 {
			return fmt.Errorf("%s: %d replacement(s) could not be reverted", bc.name, remaining)
		}
		restored, err := render(bc.doc)
		if err != nil {
			return err
		}
		if restored != originals[bc] {
			return fmt.Errorf("%s: reverted page differs from the original", bc.name)
		}
		notify.Info(notifier, "REVERTED", "%s: reverted %d replacement(s)", bc.name, reverted)
	}
	return nil
}
