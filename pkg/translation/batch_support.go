package translation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// BatchTranslationConfig 批量翻译标记配置（旧版“分隔符拼接”格式）
type BatchTranslationConfig struct {
	NodeStartMarker string
	NodeEndMarker   string
}

// DefaultBatchConfig 默认批量翻译配置
var DefaultBatchConfig = BatchTranslationConfig{
	NodeStartMarker: "@@NODE_START_%d@@",
	NodeEndMarker:   "@@NODE_END_%d@@",
}

// nodeMarkerPattern 开始标记与结束标记编号必须一致，依赖 regexp2 的反向引用
var nodeMarkerPattern = regexp2.MustCompile(`(?s)@@NODE_START_(\d+)@@\s*\r?\n(.*?)\r?\n\s*@@NODE_END_\1@@`, 0)

// looseTextField 从损坏的 JSON 中尽量捞出 "text" 字段
var looseTextField = regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// CombineSegments 把多行文本拼成带编号标记的单个字符串（编号从 0 开始）
func CombineSegments(texts []string, config BatchTranslationConfig) string {
	var builder strings.Builder

	for i, text := range texts {
		builder.WriteString(fmt.Sprintf(config.NodeStartMarker+"\n", i))
		builder.WriteString(text)
		builder.WriteString(fmt.Sprintf("\n"+config.NodeEndMarker+"\n", i))
	}

	return builder.String()
}

// EncodeResultItems 后端回复的标准形状：按原顺序的 [{text}] JSON 数组
func EncodeResultItems(texts []string) (string, error) {
	items := make([]BatchItem, len(texts))
	for i, t := range texts {
		items[i] = BatchItem{Text: t}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode result items: %w", err)
	}
	return string(data), nil
}

// ParseBatchResult 解析后端回复的 translatedText
//
// 优先按 JSON 数组解析；失败时依次尝试编号标记、宽松字段提取、按行拆分。
// expected 是请求的段数，仅用于选择拆分方式。
func ParseBatchResult(payload string, expected int) ([]string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, ErrEmptyTranslation
	}

	looksJSON := looksLikeJSON(trimmed)
	if looksJSON {
		if results, ok := decodeJSONResults(trimmed); ok {
			if allEmpty(results) {
				return nil, ErrEmptyTranslation
			}
			return results, nil
		}
	}

	if results := parseNodeMarkers(trimmed); len(results) > 0 {
		return results, nil
	}

	if looksJSON {
		matches := looseTextField.FindAllStringSubmatch(trimmed, -1)
		if len(matches) == 0 {
			return nil, NewTranslationError(ErrCodeMalformed, "unparsable batch result", ErrMalformedResponse)
		}
		results := make([]string, 0, len(matches))
		for _, m := range matches {
			text, err := strconv.Unquote(`"` + m[1] + `"`)
			if err != nil {
				text = m[1]
			}
			results = append(results, text)
		}
		return results, nil
	}

	return splitLegacy(payload, expected), nil
}

// looksLikeJSON 以 { 开头，或 [ 后紧跟 JSON 值的开头；"[Hinweis] ..." 这类方括号开头的译文不算
func looksLikeJSON(text string) bool {
	if strings.HasPrefix(text, "{") {
		return true
	}
	if !strings.HasPrefix(text, "[") {
		return false
	}
	rest := strings.TrimLeft(text[1:], " \t\r\n")
	return rest == "" || strings.ContainsAny(rest[:1], `{["]`)
}

// decodeJSONResults 支持 [{text}] 与 [string] 两种数组
func decodeJSONResults(data string) ([]string, bool) {
	var items []BatchItem
	if err := json.Unmarshal([]byte(data), &items); err == nil {
		results := make([]string, len(items))
		for i, item := range items {
			results[i] = item.Text
		}
		return results, true
	}

	var plain []string
	if err := json.Unmarshal([]byte(data), &plain); err == nil {
		return plain, true
	}
	return nil, false
}

// parseNodeMarkers 解析编号标记；编号即位置，缺失的编号留空串
func parseNodeMarkers(text string) []string {
	found := make(map[int]string)
	maxID := -1

	match, _ := nodeMarkerPattern.FindStringMatch(text)
	for match != nil {
		groups := match.Groups()
		if len(groups) >= 3 {
			id, err := strconv.Atoi(groups[1].String())
			if err == nil && id >= 0 {
				found[id] = strings.TrimSpace(groups[2].String())
				if id > maxID {
					maxID = id
				}
			}
		}
		match, _ = nodeMarkerPattern.FindNextMatch(match)
	}

	if len(found) == 0 {
		return nil
	}

	ids := make([]int, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	results := make([]string, maxID+1)
	for _, id := range ids {
		results[id] = found[id]
	}
	return results
}

// splitLegacy 旧格式：按行拆分，行数对不上时再试空行分隔
func splitLegacy(payload string, expected int) []string {
	if expected <= 1 {
		return []string{strings.TrimSpace(payload)}
	}

	lines := SplitLines(strings.Trim(payload, "\r\n"))
	if len(lines) == expected {
		return lines
	}

	blocks := strings.Split(strings.ReplaceAll(strings.TrimSpace(payload), "\r\n", "\n"), "\n\n")
	if len(blocks) == expected {
		return blocks
	}

	return lines
}

func allEmpty(texts []string) bool {
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			return false
		}
	}
	return true
}
