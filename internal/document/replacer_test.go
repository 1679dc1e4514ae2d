package document

import (
	"bytes"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func render(t *testing.T, doc *goquery.Document) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, html.Render(&buf, doc.Nodes[0]))
	return buf.String()
}

func TestApplyReplacesEveryOccurrence(t *testing.T) {
	doc := mustParse(t, `<html><body><div id="root"><p>Hello</p><p>World</p><span>Hello</span></div></body></html>`)
	col, err := NewCollector(nil).Collect(doc.Find("#root"))
	require.NoError(t, err)

	r := NewReplacer(nil, nil)
	res := r.Apply(col.Units, map[string]string{"Hello": "olleH", "World": "dlroW"})

	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 3, r.Index().Len())

	assert.Equal(t, "olleH", doc.Find("p").First().Find("."+LineClass).Text())
	assert.Equal(t, "dlroW", doc.Find("p").Eq(1).Find("."+LineClass).Text())
	assert.Equal(t, "olleH", doc.Find("#root > span").Find("."+LineClass).Text())

	wrapper := doc.Find("[" + WrapperAttr + "]").First()
	orig, ok := wrapper.Attr(OriginalAttr)
	require.True(t, ok)
	assert.Equal(t, "Hello", orig)
}

func TestApplyMultiLineAlignment(t *testing.T) {
	doc := mustParse(t, "<html><body><div id=\"root\"><pre-like>Line1\nLine2</pre-like><p>one</p></div></body></html>")
	col, err := NewCollector(nil).Collect(doc.Find("#root"))
	require.NoError(t, err)

	r := NewReplacer(nil, nil)
	res := r.Apply(col.Units, map[string]string{
		"Line1\nLine2": "L1\n",
		"one":          "uno\ndos\ntres",
	})
	require.Equal(t, 2, res.Applied)

	first := doc.Find("pre-like [" + WrapperAttr + "]")
	lines := first.Find("." + LineClass)
	require.Equal(t, 2, lines.Length())
	assert.Equal(t, "L1", lines.Eq(0).Text())
	assert.Equal(t, "", lines.Eq(1).Text())
	assert.Equal(t, 1, first.Find("br").Length())

	// 译文行数多于原文时按较大者展开
	second := doc.Find("p [" + WrapperAttr + "]")
	assert.Equal(t, 3, second.Find("."+LineClass).Length())
	assert.Equal(t, 2, second.Find("br").Length())
}

func TestApplyRevertRestoresSerialization(t *testing.T) {
	src := `<html><head></head><body><div id="root">
  <h1> Title &amp; more </h1>
  <p>Hello <b>World</b>!</p>
  <p>Hello</p>
  <div style="display:none">hidden</div>
</div></body></html>`
	doc := mustParse(t, src)
	before := render(t, doc)
	r := NewReplacer(nil, nil)

	for cycle := 0; cycle < 3; cycle++ {
		col, err := NewCollector(nil).Collect(doc.Find("#root"))
		require.NoError(t, err)

		res := r.Apply(col.Units, map[string]string{
			"Title & more": "Titel & mehr",
			"Hello":        "Hallo",
			"World":        "Welt",
			"!":            "!",
		})
		assert.Equal(t, 5, res.Applied)
		assert.NotEqual(t, before, render(t, doc))

		assert.Equal(t, 5, r.Revert(doc.Nodes[0]))
		assert.Equal(t, before, render(t, doc))
		assert.Equal(t, 0, r.Index().Len())
	}

	// 没有登记的包装元素时是空操作
	assert.Equal(t, 0, r.Revert(doc.Nodes[0]))
}

func TestApplySkipsBadUnits(t *testing.T) {
	doc := mustParse(t, `<html><body><div id="root"><p>Hello</p><p>World</p><p>Again</p></div></body></html>`)
	col, err := NewCollector(nil).Collect(doc.Find("#root"))
	require.NoError(t, err)
	require.Len(t, col.Units, 3)

	// 第一个节点被页面移除，第二个内容被改动
	detached := col.Units[0].Node
	detached.Parent.RemoveChild(detached)
	col.Units[1].Node.Data = "Changed"

	units := append([]*LeafTextUnit{nil, {Raw: "x", Trimmed: "x"}}, col.Units...)
	r := NewReplacer(nil, nil)
	res := r.Apply(units, map[string]string{"Hello": "a", "World": "b", "Again": "c", "x": "y"})

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, "c", doc.Find("." + LineClass).Text())
}

func TestRevertIgnoresForeignWrappers(t *testing.T) {
	doc := mustParse(t, `<html><body><div id="root"><span data-selection-translated="other" data-selection-original="keep">x</span><p>Hi</p></div></body></html>`)
	col, err := NewCollector(nil).Collect(doc.Find("#root"))
	require.NoError(t, err)

	r := NewReplacer(nil, nil)
	require.Equal(t, 1, r.Apply(col.Units, map[string]string{"Hi": "Salut"}).Applied)

	assert.Equal(t, 1, r.Revert(doc.Nodes[0]))
	assert.Equal(t, 1, doc.Find("["+WrapperAttr+"]").Length())
	assert.Equal(t, "Hi", doc.Find("p").Text())
}

func TestForgetDropsDetachedWrappers(t *testing.T) {
	doc := mustParse(t, `<html><body><div id="root"><p>Hi</p></div></body></html>`)
	col, err := NewCollector(nil).Collect(doc.Find("#root"))
	require.NoError(t, err)

	r := NewReplacer(nil, nil)
	r.Apply(col.Units, map[string]string{"Hi": "Salut"})
	doc.Find("p").Remove()

	assert.Equal(t, 1, r.Forget(doc.Nodes[0]))
	assert.Equal(t, 0, r.Index().Len())
}
