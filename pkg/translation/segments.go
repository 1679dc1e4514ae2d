package translation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExpandedSegment 多行原文中的一行
type ExpandedSegment struct {
	Text          string
	OriginalIndex int
	SegmentIndex  int
}

// BatchItem 发往后端的单条载荷
type BatchItem struct {
	Text string `json:"text"`
}

// Batch 一次批量翻译任务：原文列表 + 展平后的行
type Batch struct {
	Originals []string
	Segments  []ExpandedSegment

	lineCounts []int
}

// SplitLines 按换行拆分（\r\n 视同 \n）
func SplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

// Expand 把每段原文按行展平，后端按行处理时平铺列表比嵌套数组更好批量
func Expand(texts []string) *Batch {
	b := &Batch{
		Originals:  append([]string(nil), texts...),
		lineCounts: make([]int, len(texts)),
	}
	for i, text := range texts {
		lines := SplitLines(text)
		b.lineCounts[i] = len(lines)
		for j, line := range lines {
			b.Segments = append(b.Segments, ExpandedSegment{
				Text:          line,
				OriginalIndex: i,
				SegmentIndex:  j,
			})
		}
	}
	return b
}

// Texts 展平后的行文本（expandedTexts）
func (b *Batch) Texts() []string {
	texts := make([]string, len(b.Segments))
	for i, seg := range b.Segments {
		texts[i] = seg.Text
	}
	return texts
}

// Items 后端载荷 [{text}]
func (b *Batch) Items() []BatchItem {
	items := make([]BatchItem, len(b.Segments))
	for i, seg := range b.Segments {
		items[i] = BatchItem{Text: seg.Text}
	}
	return items
}

// EncodePayload 序列化载荷，用于大小检查和发送
func (b *Batch) EncodePayload() (string, error) {
	data, err := json.Marshal(b.Items())
	if err != nil {
		return "", fmt.Errorf("failed to encode batch payload: %w", err)
	}
	return string(data), nil
}

// Mismatch 后端段数与请求段数不一致时的报告
type Mismatch struct {
	Expected int
	Received int
	// Degraded 没有任何段被映射、已回退为原文的文本
	Degraded []string
}

// Err 以 ErrPartialSegmentMismatch 形式返回，便于告警
func (m *Mismatch) Err() error {
	if m == nil {
		return nil
	}
	return fmt.Errorf("%w: expected %d segments, received %d, %d text(s) kept as source",
		ErrPartialSegmentMismatch, m.Expected, m.Received, len(m.Degraded))
}

// Reassemble 把后端结果按 OriginalIndex 归组，按行序拼回每段原文的译文
//
// 只处理 min(len(Segments), len(results)) 对；部分映射的文本缺失的行为空行，
// 一行都没映射到的文本回退为原文。任何输入都不会 panic，也不会丢掉原文。
func Reassemble(b *Batch, results []string) (map[string]string, *Mismatch) {
	out := make(map[string]string, len(b.Originals))
	if len(b.Originals) == 0 {
		return out, nil
	}

	lines := make([][]string, len(b.Originals))
	mapped := make([]int, len(b.Originals))
	for i, count := range b.lineCounts {
		lines[i] = make([]string, count)
	}

	n := min(len(b.Segments), len(results))
	for i := 0; i < n; i++ {
		seg := b.Segments[i]
		lines[seg.OriginalIndex][seg.SegmentIndex] = results[i]
		mapped[seg.OriginalIndex]++
	}

	var mismatch *Mismatch
	if len(results) != len(b.Segments) {
		mismatch = &Mismatch{Expected: len(b.Segments), Received: len(results)}
	}

	for i, original := range b.Originals {
		if mapped[i] == 0 {
			out[original] = original
			if mismatch == nil {
				mismatch = &Mismatch{Expected: len(b.Segments), Received: len(results)}
			}
			mismatch.Degraded = append(mismatch.Degraded, original)
			continue
		}
		out[original] = strings.Join(lines[i], "\n")
	}
	return out, mismatch
}
