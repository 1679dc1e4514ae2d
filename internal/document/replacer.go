package document

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nerdneilsfield/go-selection-translator/pkg/translation"
)

const (
	// WrapperAttr 译文包装元素的标记属性，值为唯一 id
	WrapperAttr = "data-selection-translated"
	// OriginalAttr 保存原始文本，用于还原
	OriginalAttr = "data-selection-original"
	// LineClass 包装元素内每一行的 class
	LineClass = "selection-translated-line"
)

var (
	errDetachedUnit  = errors.New("leaf text unit is detached")
	errMalformedUnit = errors.New("leaf text unit is malformed")
	errStaleUnit     = errors.New("leaf text unit changed since collection")
)

// IsWrapper 是否为译文包装元素
func IsWrapper(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && hasAttr(n, WrapperAttr)
}

// RevertIndex 会话级的包装元素 id 集合，任何顺序都能还原
type RevertIndex struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewRevertIndex 创建还原索引
func NewRevertIndex() *RevertIndex {
	return &RevertIndex{ids: make(map[string]struct{})}
}

// Add 登记 id
func (r *RevertIndex) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = struct{}{}
}

// Remove 移除 id
func (r *RevertIndex) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, id)
}

// Has 是否已登记
func (r *RevertIndex) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// Len 已登记数量
func (r *RevertIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// IDs 返回排序后的 id 列表
func (r *RevertIndex) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyResult 替换结果
type ApplyResult struct {
	Applied int
	Skipped int
	IDs     []string
}

// Replacer 文本替换/还原引擎
type Replacer struct {
	index  *RevertIndex
	logger *zap.Logger
	newID  func() string
}

// NewReplacer 创建替换引擎
func NewReplacer(index *RevertIndex, logger *zap.Logger) *Replacer {
	if index == nil {
		index = NewRevertIndex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replacer{
		index:  index,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Index 返回还原索引
func (r *Replacer) Index() *RevertIndex {
	return r.index
}

// Apply 用带标记的包装元素替换每个有译文的文本单元
//
// 单个单元出错只记录日志并跳过，不影响其他单元。
func (r *Replacer) Apply(units []*LeafTextUnit, translations map[string]string) ApplyResult {
	var result ApplyResult
	for _, unit := range units {
		if unit == nil {
			result.Skipped++
			r.logger.Error("skipping nil leaf text unit")
			continue
		}
		translated, ok := translations[unit.Trimmed]
		if !ok {
			continue
		}
		id, err := r.applyOne(unit, translated)
		if err != nil {
			result.Skipped++
			r.logger.Error("failed to replace leaf text unit",
				zap.String("text", unit.Trimmed),
				zap.Error(err))
			continue
		}
		result.Applied++
		result.IDs = append(result.IDs, id)
	}

	r.logger.Debug("applied translations",
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped))
	return result
}

func (r *Replacer) applyOne(unit *LeafTextUnit, translated string) (string, error) {
	node := unit.Node
	if node == nil || node.Type != html.TextNode {
		return "", errMalformedUnit
	}
	if node.Parent == nil {
		return "", errDetachedUnit
	}
	if node.Data != unit.Raw {
		return "", errStaleUnit
	}

	id := r.newID()
	wrapper := buildWrapper(id, unit, translated)
	if err := replaceNode(node, wrapper); err != nil {
		return "", err
	}
	r.index.Add(id)
	return id, nil
}

// buildWrapper 原文和译文各自按行拆分，按两者较大的行数逐行生成子节点，行间插入 <br>
func buildWrapper(id string, unit *LeafTextUnit, translated string) *html.Node {
	wrapper := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Span,
		Data:     "span",
		Attr: []html.Attribute{
			{Key: WrapperAttr, Val: id},
			{Key: OriginalAttr, Val: unit.Raw},
		},
	}

	leading := unit.Raw[:len(unit.Raw)-len(strings.TrimLeft(unit.Raw, " \t\r\n\f"))]
	trailing := unit.Raw[len(strings.TrimRight(unit.Raw, " \t\r\n\f")):]
	if leading != "" {
		wrapper.AppendChild(&html.Node{Type: html.TextNode, Data: leading})
	}

	origLines := translation.SplitLines(unit.Trimmed)
	transLines := translation.SplitLines(translated)
	n := max(len(origLines), len(transLines))
	for i := 0; i < n; i++ {
		if i > 0 {
			wrapper.AppendChild(&html.Node{Type: html.ElementNode, DataAtom: atom.Br, Data: "br"})
		}
		line := ""
		if i < len(transLines) {
			line = transLines[i]
		}
		lineNode := &html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Span,
			Data:     "span",
			Attr:     []html.Attribute{{Key: "class", Val: LineClass}},
		}
		lineNode.AppendChild(&html.Node{Type: html.TextNode, Data: line})
		wrapper.AppendChild(lineNode)
	}

	if trailing != "" {
		wrapper.AppendChild(&html.Node{Type: html.TextNode, Data: trailing})
	}
	return wrapper
}

// replaceNode 原位替换：直接改写兄弟/父指针，一步完成，不存在先删后插的中间状态
func replaceNode(old, repl *html.Node) error {
	parent := old.Parent
	if parent == nil {
		return errDetachedUnit
	}
	if repl.Parent != nil || repl.PrevSibling != nil || repl.NextSibling != nil {
		return errMalformedUnit
	}

	repl.Parent = parent
	repl.PrevSibling = old.PrevSibling
	repl.NextSibling = old.NextSibling
	if old.PrevSibling != nil {
		old.PrevSibling.NextSibling = repl
	} else {
		parent.FirstChild = repl
	}
	if old.NextSibling != nil {
		old.NextSibling.PrevSibling = repl
	} else {
		parent.LastChild = repl
	}

	old.Parent = nil
	old.PrevSibling = nil
	old.NextSibling = nil
	return nil
}

// Revert 扫描树中带标记的包装元素，还原为原始文本节点，返回还原数量
//
// 通过标记属性重新定位，而不是依赖持有的节点引用；可以重复调用。
func (r *Replacer) Revert(root *html.Node) int {
	if root == nil || r.index.Len() == 0 {
		return 0
	}

	reverted := 0
	goquery.NewDocumentFromNode(root).Find("[" + WrapperAttr + "]").Each(func(_ int, s *goquery.Selection) {
		wrapper := s.Nodes[0]
		id := attrValue(wrapper, WrapperAttr)
		if !r.index.Has(id) {
			return
		}

		if !hasAttr(wrapper, OriginalAttr) {
			r.logger.Error("wrapper without original text, leaving in place", zap.String("id", id))
			return
		}
		text := &html.Node{Type: html.TextNode, Data: attrValue(wrapper, OriginalAttr)}
		if err := replaceNode(wrapper, text); err != nil {
			r.logger.Error("failed to revert wrapper", zap.String("id", id), zap.Error(err))
			return
		}
		r.index.Remove(id)
		reverted++
	})

	r.logger.Debug("reverted translations",
		zap.Int("reverted", reverted),
		zap.Int("remaining", r.index.Len()))
	return reverted
}

// Forget 丢弃已不在树中的 id（页面自身删除了包装元素）
func (r *Replacer) Forget(root *html.Node) int {
	if root == nil {
		return 0
	}
	present := make(map[string]bool)
	goquery.NewDocumentFromNode(root).Find("[" + WrapperAttr + "]").Each(func(_ int, s *goquery.Selection) {
		present[attrValue(s.Nodes[0], WrapperAttr)] = true
	})
	dropped := 0
	for _, id := range r.index.IDs() {
		if !present[id] {
			r.index.Remove(id)
			dropped++
		}
	}
	return dropped
}
