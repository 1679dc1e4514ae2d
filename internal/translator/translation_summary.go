package translator

import (
	"fmt"
	"strings"
	"time"
)

// Status 一次选区翻译的结局
type Status string

const (
	StatusTranslated Status = "translated"
	StatusNoText     Status = "no-text"
	StatusSkipped    Status = "skipped"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Outcome 一次选区翻译的汇总
type Outcome struct {
	RequestID string
	Status    Status

	// 文本统计
	Units       int
	UniqueTexts int
	Cached      int
	Translated  int
	Skipped     int
	Degraded    int

	// 替换统计
	Applied      int
	ApplySkipped int

	// 时间统计
	StartTime time.Time
	Duration  time.Duration

	// Err 信息性结局（无文本、冷却跳过）或失败原因
	Err error
}

// CacheRatio 命中缓存的唯一文本比例
func (o *Outcome) CacheRatio() float64 {
	if o.UniqueTexts == 0 {
		return 0
	}
	return float64(o.Cached) / float64(o.UniqueTexts)
}

// String 单行摘要
func (o *Outcome) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d unit(s), %d unique", o.Status, o.Units, o.UniqueTexts)
	if o.Cached > 0 {
		fmt.Fprintf(&b, ", %d cached", o.Cached)
	}
	if o.Translated > 0 {
		fmt.Fprintf(&b, ", %d translated", o.Translated)
	}
	if o.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped", o.Skipped)
	}
	if o.Degraded > 0 {
		fmt.Fprintf(&b, ", %d kept as source", o.Degraded)
	}
	if o.Applied > 0 {
		fmt.Fprintf(&b, ", %d replaced", o.Applied)
	}
	if o.Err != nil {
		fmt.Fprintf(&b, " (%v)", o.Err)
	}
	return b.String()
}
