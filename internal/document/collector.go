package document

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

// LeafTextUnit 一个最小的文本节点
type LeafTextUnit struct {
	// Node 文本节点本身
	Node *html.Node
	// Element 所属元素（仅引用，不拥有）
	Element *html.Node
	// Raw 原始文本
	Raw string
	// Trimmed 去除首尾空白后的文本
	Trimmed string
}

// OriginalTextIndex 去空白文本 -> 共享该文本的单元列表，key 按首次出现顺序保存
type OriginalTextIndex struct {
	keys  []string
	units map[string][]*LeafTextUnit
}

func newOriginalTextIndex() *OriginalTextIndex {
	return &OriginalTextIndex{units: make(map[string][]*LeafTextUnit)}
}

func (idx *OriginalTextIndex) add(unit *LeafTextUnit) {
	if _, ok := idx.units[unit.Trimmed]; !ok {
		idx.keys = append(idx.keys, unit.Trimmed)
	}
	idx.units[unit.Trimmed] = append(idx.units[unit.Trimmed], unit)
}

// Keys 返回所有唯一文本（文档顺序）
func (idx *OriginalTextIndex) Keys() []string {
	return append([]string(nil), idx.keys...)
}

// Units 返回共享某段文本的单元
func (idx *OriginalTextIndex) Units(text string) []*LeafTextUnit {
	return idx.units[text]
}

// Len 唯一文本数
func (idx *OriginalTextIndex) Len() int {
	return len(idx.keys)
}

// Collection 一次收集的结果
type Collection struct {
	Units []*LeafTextUnit
	Index *OriginalTextIndex
}

// Empty 是否没有可翻译文本
func (c *Collection) Empty() bool {
	return c == nil || len(c.Units) == 0
}

// Collector 叶子文本收集器
type Collector struct {
	logger       *zap.Logger
	skipElements map[string]bool
}

// DefaultSkipElements 不含可见正文的元素
var DefaultSkipElements = []string{"script", "style", "noscript", "template", "textarea", "head", "title"}

// NewCollector 创建收集器
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]bool, len(DefaultSkipElements))
	for _, tag := range DefaultSkipElements {
		skip[tag] = true
	}
	return &Collector{
		logger:       logger,
		skipElements: skip,
	}
}

// Collect 深度优先遍历 root 下的可见文本节点
//
// 返回的单元按文档顺序排列；重复文本被归组而不是去重。没有可见文本时返回
// translation.ErrNoTranslatableText。
func (c *Collector) Collect(root *goquery.Selection) (*Collection, error) {
	result := &Collection{Index: newOriginalTextIndex()}
	if root == nil {
		return result, translation.ErrNoTranslatableText
	}

	for _, node := range root.Nodes {
		c.walk(node, result)
	}

	c.logger.Debug("collected leaf text units",
		zap.Int("units", len(result.Units)),
		zap.Int("uniqueTexts", result.Index.Len()))

	if result.Empty() {
		return result, translation.ErrNoTranslatableText
	}
	return result, nil
}

func (c *Collector) walk(n *html.Node, out *Collection) {
	if n.Type == html.TextNode {
		c.visitText(n, out)
		return
	}
	if n.Type == html.ElementNode && (c.skipElements[n.Data] || IsWrapper(n)) {
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.walk(child, out)
	}
}

func (c *Collector) visitText(n *html.Node, out *Collection) {
	trimmed := strings.TrimSpace(n.Data)
	if trimmed == "" {
		return
	}
	if c.hiddenOrExcluded(n) {
		return
	}

	unit := &LeafTextUnit{
		Node:    n,
		Element: n.Parent,
		Raw:     n.Data,
		Trimmed: trimmed,
	}
	out.Units = append(out.Units, unit)
	out.Index.add(unit)
}

// hiddenOrExcluded 沿祖先链判断可见性
//
// display:none 与 hidden 属性在任意祖先上都生效；visibility 由最近一个声明了它的祖先决定。
func (c *Collector) hiddenOrExcluded(n *html.Node) bool {
	visibilityDecided := false
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if c.skipElements[p.Data] || IsWrapper(p) {
			return true
		}
		if hasAttr(p, "hidden") {
			return true
		}
		style := parseInlineStyle(attrValue(p, "style"))
		if style["display"] == "none" {
			return true
		}
		if v, ok := style["visibility"]; ok && !visibilityDecided {
			visibilityDecided = true
			if v == "hidden" || v == "collapse" {
				return true
			}
		}
	}
	return false
}

// parseInlineStyle 解析 style 属性为小写的 属性->值
func parseInlineStyle(style string) map[string]string {
	props := make(map[string]string)
	if style == "" {
		return props
	}
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		value = strings.TrimSpace(strings.TrimSuffix(value, "!important"))
		if name != "" {
			props[name] = value
		}
	}
	return props
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
