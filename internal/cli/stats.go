package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"

	"github.com/nerdneilsfield/go-selection-translator/internal/translator"
	providerstats "github.com/nerdneilsfield/go-selection-translator/pkg/providers/stats"
	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

// contextOutcome 某个上下文（顶层或嵌套文档）的翻译结果
type contextOutcome struct {
	Name    string
	Outcome *translator.Outcome
}

// printSummary 按上下文输出结果表和缓存统计
func printSummary(w io.Writer, outcomes []contextOutcome, cache map[string]translation.CacheStats) {
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintln(w, "Selection Translation Summary")

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Context", "Status", "Units", "Unique", "Cached", "Translated", "Skipped", "Replaced", "Time"})
	for _, co := range outcomes {
		o := co.Outcome
		tw.AppendRow(table.Row{
			truncate(co.Name, 24),
			statusText(o.Status),
			o.Units,
			o.UniqueTexts,
			fmt.Sprintf("%d (%.0f%%)", o.Cached, o.CacheRatio()*100),
			o.Translated,
			o.Skipped,
			o.Applied,
			formatDuration(o.Duration),
		})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()

	if len(cache) == 0 {
		return
	}
	ct := table.NewWriter()
	ct.SetOutputMirror(w)
	ct.AppendHeader(table.Row{"Context", "Cache Size", "Hits", "Misses", "Hit Rate"})
	for _, co := range outcomes {
		stats, ok := cache[co.Name]
		if !ok {
			continue
		}
		ct.AppendRow(table.Row{
			truncate(co.Name, 24),
			formatNumber(stats.Size),
			formatNumber(stats.Hits),
			formatNumber(stats.Misses),
			fmt.Sprintf("%.1f%%", hitRate(stats)*100),
		})
	}
	ct.SetStyle(table.StyleLight)
	ct.Render()
}

// printProviderStats 输出本次运行中各提供商的调用统计
func printProviderStats(w io.Writer, all []providerstats.ProviderStats) {
	if len(all) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Provider", "Requests", "Success", "Markers Lost", "Tokens In/Out", "Avg Latency"})
	for _, ps := range all {
		tw.AppendRow(table.Row{
			ps.ProviderName,
			formatNumber(ps.TotalRequests),
			fmt.Sprintf("%.1f%%", ps.SuccessRate()*100),
			ps.MarkerLost,
			fmt.Sprintf("%s / %s", formatNumber(ps.TotalTokensIn), formatNumber(ps.TotalTokensOut)),
			formatDuration(ps.AverageLatency),
		})
	}
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func statusText(s translator.Status) string {
	switch s {
	case translator.StatusTranslated:
		return text.FgGreen.Sprint(string(s))
	case translator.StatusFailed:
		return text.FgRed.Sprint(string(s))
	case translator.StatusSkipped, translator.StatusCancelled:
		return text.FgYellow.Sprint(string(s))
	default:
		return string(s)
	}
}

func hitRate(s translation.CacheStats) float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// truncate 按显示宽度截断，宽字符算两列
func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}

// formatDuration 格式化耗时
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	if d < time.Second {
		return fmt.Sprintf("%.0fms", float64(d.Nanoseconds())/1e6)
	}

	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}

	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}

	return fmt.Sprintf("%.1fh", d.Hours())
}

// formatNumber 格式化数字（添加千位分隔符）
func formatNumber(n int64) string {
	if n == 0 {
		return "0"
	}

	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(char)
	}
	return result.String()
}
