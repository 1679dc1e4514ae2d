package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/nerdneilsfield/go-selection-translator/internal/overlay"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

const previewWidth = 60

// consolePresenter 在终端上模拟弹窗：打开时显示原文预览，送达时显示译文
type consolePresenter struct {
	mu  sync.Mutex
	out io.Writer
}

var _ overlay.Presenter = (*consolePresenter)(nil)

func newConsolePresenter(out io.Writer) *consolePresenter {
	return &consolePresenter{out: out}
}

func (p *consolePresenter) ShowIcon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgHiBlack).Fprintln(p.out, "[translate]")
}

func (p *consolePresenter) ShowWindow(text string, at overlay.Anchor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgCyan, color.Bold).Fprintf(p.out, "┌ translating at (%.0f, %.0f)\n", at.X, at.Y)
	p.printLines(text, color.New(color.FgHiBlack))
}

func (p *consolePresenter) Deliver(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printLines(content, color.New(color.FgGreen))
}

func (p *consolePresenter) Remove() {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgCyan).Fprintln(p.out, "└ closed")
}

func (p *consolePresenter) printLines(content string, c *color.Color) {
	for _, line := range translation.SplitLines(content) {
		fmt.Fprint(p.out, "│ ")
		c.Fprintln(p.out, truncate(line, previewWidth))
	}
}
