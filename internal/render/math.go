package render

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

var (
	KindInlineMath = ast.NewNodeKind("InlineMath")
	KindMathBlock  = ast.NewNodeKind("MathBlock")
)

var mathFence = []byte("$$")

// InlineMath is a $...$ span. Value holds the TeX source between the
// delimiters. Display is set for $$...$$ written inside a paragraph.
type InlineMath struct {
	ast.BaseInline
	Value   []byte
	Display bool
}

func (n *InlineMath) Kind() ast.NodeKind {
	return KindInlineMath
}

func (n *InlineMath) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{
		"Value":   string(n.Value),
		"Display": fmt.Sprint(n.Display),
	}, nil)
}

// MathBlock is a $$...$$ display block. Its lines hold the TeX source.
type MathBlock struct {
	ast.BaseBlock
	closed bool
}

func (n *MathBlock) Kind() ast.NodeKind {
	return KindMathBlock
}

func (n *MathBlock) IsRaw() bool {
	return true
}

func (n *MathBlock) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, nil, nil)
}

type inlineMathParser struct{}

func (inlineMathParser) Trigger() []byte {
	return []byte{'$'}
}

// Parse accepts $x$ where the opening $ is not followed by a space and the
// closing $ is neither preceded by a space nor followed by a digit, so prices
// like "$5 and $6" stay text. $$x$$ inside a line is display math.
func (inlineMathParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	line, _ := block.PeekLine()
	if bytes.HasPrefix(line, mathFence) {
		return parseInlineDisplay(line, block)
	}
	if len(line) < 3 || util.IsSpace(line[1]) {
		return nil
	}

	end := closingDollar(line, 1)
	if end < 0 || util.IsSpace(line[end-1]) {
		return nil
	}
	if end+1 < len(line) && line[end+1] >= '0' && line[end+1] <= '9' {
		return nil
	}

	node := &InlineMath{Value: append([]byte(nil), line[1:end]...)}
	block.Advance(end + 1)
	return node
}

func parseInlineDisplay(line []byte, block text.Reader) ast.Node {
	from := len(mathFence)
	for {
		end := closingDollar(line, from)
		if end < 0 {
			return nil
		}
		if end+1 < len(line) && line[end+1] == '$' {
			value := bytes.TrimSpace(line[len(mathFence):end])
			if len(value) == 0 {
				return nil
			}
			block.Advance(end + 2)
			return &InlineMath{Value: append([]byte(nil), value...), Display: true}
		}
		from = end + 1
	}
}

// closingDollar returns the index of the first unescaped $ at or after from.
func closingDollar(line []byte, from int) int {
	for i := from; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '$':
			return i
		}
	}
	return -1
}

type mathBlockParser struct{}

func (mathBlockParser) Trigger() []byte {
	return []byte{'$'}
}

func (mathBlockParser) Open(_ ast.Node, reader text.Reader, pc parser.Context) (ast.Node, parser.State) {
	line, segment := reader.PeekLine()
	pos := pc.BlockOffset()
	if pos < 0 || !bytes.HasPrefix(line[pos:], mathFence) {
		return nil, parser.NoChildren
	}

	node := &MathBlock{}
	start := pos + len(mathFence)
	rest := bytes.TrimRight(line[start:], " \t\r\n")
	if end := bytes.Index(rest, mathFence); end >= 0 {
		// $$...$$ on one line is a block only when nothing follows the fence.
		if end+len(mathFence) != len(rest) {
			return nil, parser.NoChildren
		}
		node.closed = true
		rest = rest[:end]
	}
	if len(util.TrimLeftSpace(rest)) > 0 {
		from := segment.Start - segment.Padding + start
		node.Lines().Append(text.NewSegment(from, from+len(rest)))
	}
	return node, parser.NoChildren
}

func (mathBlockParser) Continue(node ast.Node, reader text.Reader, _ parser.Context) parser.State {
	n := node.(*MathBlock)
	if n.closed {
		return parser.Close
	}

	line, segment := reader.PeekLine()
	trimmed := bytes.TrimRight(line, " \t\r\n")
	if bytes.HasSuffix(trimmed, mathFence) {
		content := trimmed[:len(trimmed)-len(mathFence)]
		if len(util.TrimLeftSpace(content)) > 0 {
			from := segment.Start - segment.Padding
			n.Lines().Append(text.NewSegment(max(from, segment.Start), from+len(content)))
		}
		newline := 1
		if len(line) == 0 || line[len(line)-1] != '\n' {
			newline = 0
		}
		reader.Advance(segment.Stop - segment.Start - newline + segment.Padding)
		n.closed = true
		return parser.Close
	}

	seg := text.NewSegmentPadding(segment.Start, segment.Stop, segment.Padding)
	seg.ForceNewline = true
	n.Lines().Append(seg)
	reader.AdvanceAndSetPadding(segment.Stop-segment.Start-1, segment.Padding)
	return parser.Continue | parser.NoChildren
}

func (mathBlockParser) Close(_ ast.Node, _ text.Reader, _ parser.Context) {}

func (mathBlockParser) CanInterruptParagraph() bool {
	return true
}

func (mathBlockParser) CanAcceptIndentedLine() bool {
	return false
}

type mathRenderer struct{}

func (mathRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindInlineMath, renderInlineMath)
	reg.Register(KindMathBlock, renderMathBlock)
}

func renderInlineMath(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*InlineMath)
	if n.Display {
		_, _ = w.WriteString(`<span class="math display">\[`)
		_, _ = w.Write(util.EscapeHTML(n.Value))
		_, _ = w.WriteString(`\]</span>`)
		return ast.WalkSkipChildren, nil
	}
	_, _ = w.WriteString(`<span class="math inline">\(`)
	_, _ = w.Write(util.EscapeHTML(n.Value))
	_, _ = w.WriteString(`\)</span>`)
	return ast.WalkSkipChildren, nil
}

func renderMathBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var buf bytes.Buffer
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		buf.Write(segment.Value(source))
	}
	_, _ = w.WriteString(`<div class="math display">\[`)
	_, _ = w.Write(util.EscapeHTML(bytes.TrimSpace(buf.Bytes())))
	_, _ = w.WriteString("\\]</div>\n")
	return ast.WalkSkipChildren, nil
}

type mathExtension struct{}

// Math renders $...$ and $$...$$ as KaTeX-ready spans and blocks.
var Math goldmark.Extender = mathExtension{}

func (mathExtension) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(
		parser.WithBlockParsers(util.Prioritized(mathBlockParser{}, 701)),
		parser.WithInlineParsers(util.Prioritized(inlineMathParser{}, 500)),
	)
	m.Renderer().AddOptions(
		renderer.WithNodeRenderers(util.Prioritized(mathRenderer{}, 500)),
	)
}
