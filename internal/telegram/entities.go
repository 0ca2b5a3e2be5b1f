package telegram

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MaxMessageLen is the target maximum message size. The Bot API hard
// limit is 4096 UTF-16 units; staying under leaves room for ellipses
// and entity edge cases.
const MaxMessageLen = 3500

// RenderMarkdown converts markdown into plain text plus Bot API
// entities. Entity offsets are UTF-16 code units, per the API. The
// renderer intentionally flattens structure the chat cannot show
// (headings become bold lines, lists become bullet lines).
func RenderMarkdown(input string) (string, []Entity) {
	src := []byte(input)
	md := goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
	doc := md.Parser().Parse(text.NewReader(src))

	r := &entityRenderer{src: src}
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		r.renderBlock(child, 0)
	}
	return r.finish()
}

type entityRenderer struct {
	src      []byte
	b        strings.Builder
	pos      int // UTF-16 cursor
	entities []Entity
}

func (r *entityRenderer) write(s string) {
	r.b.WriteString(s)
	r.pos += utf16Length(s)
}

func (r *entityRenderer) mark() int { return r.pos }

func (r *entityRenderer) entity(typ string, start int, extra func(*Entity)) {
	length := r.pos - start
	if length <= 0 {
		return
	}
	e := Entity{Type: typ, Offset: start, Length: length}
	if extra != nil {
		extra(&e)
	}
	r.entities = append(r.entities, e)
}

// blockSep separates top-level blocks with a blank line.
func (r *entityRenderer) blockSep() {
	out := r.b.String()
	if out == "" || strings.HasSuffix(out, "\n\n") {
		return
	}
	if strings.HasSuffix(out, "\n") {
		r.write("\n")
		return
	}
	r.write("\n\n")
}

func (r *entityRenderer) renderBlock(n ast.Node, depth int) {
	switch b := n.(type) {
	case *ast.Heading:
		r.blockSep()
		start := r.mark()
		r.renderChildren(b)
		r.entity("bold", start, nil)

	case *ast.Paragraph, *ast.TextBlock:
		r.blockSep()
		r.renderChildren(n)

	case *ast.FencedCodeBlock:
		r.blockSep()
		start := r.mark()
		lang := string(b.Language(r.src))
		r.writeCodeLines(b)
		r.entity("pre", start, func(e *Entity) { e.Language = lang })

	case *ast.CodeBlock:
		r.blockSep()
		start := r.mark()
		r.writeCodeLines(b)
		r.entity("pre", start, nil)

	case *ast.Blockquote:
		r.blockSep()
		start := r.mark()
		for child := b.FirstChild(); child != nil; child = child.NextSibling() {
			r.renderBlock(child, depth)
		}
		r.entity("blockquote", start, nil)

	case *ast.List:
		r.blockSep()
		index := b.Start
		for item := b.FirstChild(); item != nil; item = item.NextSibling() {
			if item != b.FirstChild() {
				r.write("\n")
			}
			r.write(strings.Repeat("  ", depth))
			if b.IsOrdered() {
				r.write(fmt.Sprintf("%d. ", index))
				index++
			} else {
				r.write("• ")
			}
			for child := item.FirstChild(); child != nil; child = child.NextSibling() {
				switch child.(type) {
				case *ast.List:
					r.write("\n")
					r.renderBlock(child, depth+1)
				case *ast.Paragraph, *ast.TextBlock:
					r.renderChildren(child)
				default:
					r.renderBlock(child, depth+1)
				}
			}
		}

	case *ast.ThematicBreak:
		r.blockSep()
		r.write("———")

	default:
		r.blockSep()
		r.renderChildren(n)
	}
}

func (r *entityRenderer) writeCodeLines(n interface {
	Lines() *text.Segments
}) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.write(string(seg.Value(r.src)))
	}
}

func (r *entityRenderer) renderChildren(n ast.Node) {
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		r.renderInline(child)
	}
}

func (r *entityRenderer) renderInline(n ast.Node) {
	switch i := n.(type) {
	case *ast.Text:
		r.write(string(i.Segment.Value(r.src)))
		if i.HardLineBreak() || i.SoftLineBreak() {
			r.write("\n")
		}

	case *ast.String:
		r.write(string(i.Value))

	case *ast.Emphasis:
		start := r.mark()
		r.renderChildren(i)
		if i.Level >= 2 {
			r.entity("bold", start, nil)
		} else {
			r.entity("italic", start, nil)
		}

	case *east.Strikethrough:
		start := r.mark()
		r.renderChildren(i)
		r.entity("strikethrough", start, nil)

	case *ast.CodeSpan:
		start := r.mark()
		r.renderChildren(i)
		r.entity("code", start, nil)

	case *ast.Link:
		start := r.mark()
		r.renderChildren(i)
		r.entity("text_link", start, func(e *Entity) { e.URL = string(i.Destination) })

	case *ast.AutoLink:
		r.write(string(i.URL(r.src)))

	case *ast.Image:
		// Images cannot be inlined in a text message; keep the alt text.
		r.renderChildren(i)

	case *ast.RawHTML:
		// Raw HTML has no chat rendering; drop it.

	default:
		r.renderChildren(n)
	}
}

// finish trims trailing whitespace and clamps any entity that spilled
// past the trimmed end.
func (r *entityRenderer) finish() (string, []Entity) {
	out := strings.TrimRight(r.b.String(), "\n ")
	limit := utf16Length(out)

	var kept []Entity
	for _, e := range r.entities {
		if e.Offset >= limit {
			continue
		}
		if e.Offset+e.Length > limit {
			e.Length = limit - e.Offset
		}
		if e.Length > 0 {
			kept = append(kept, e)
		}
	}
	return out, kept
}

// Part is one send-sized slice of a rendered message.
type Part struct {
	Text     string
	Entities []Entity
}

// SplitMessage splits rendered text into parts no longer than max
// runes, preferring paragraph boundaries, and slices the entities to
// match each part (offsets rebased per part).
func SplitMessage(input string, entities []Entity, max int) []Part {
	if max <= 0 {
		max = MaxMessageLen
	}
	if len([]rune(input)) <= max {
		return []Part{{Text: input, Entities: entities}}
	}

	type span struct{ start, end int } // byte offsets into input
	var spans []span

	paragraphs := splitParagraphSpans(input)
	cur := span{start: -1}
	curRunes := 0
	flush := func() {
		if cur.start >= 0 && cur.end > cur.start {
			spans = append(spans, cur)
		}
		cur = span{start: -1}
		curRunes = 0
	}
	for _, p := range paragraphs {
		pRunes := len([]rune(input[p.start:p.end]))
		if pRunes > max {
			// A single oversized paragraph hard-splits at rune boundaries.
			flush()
			start := p.start
			count := 0
			for i := range input[p.start:p.end] {
				if count == max {
					spans = append(spans, span{start: start, end: p.start + i})
					start = p.start + i
					count = 0
				}
				count++
			}
			spans = append(spans, span{start: start, end: p.end})
			continue
		}
		if cur.start < 0 {
			cur = span{start: p.start, end: p.end}
			curRunes = pRunes
			continue
		}
		joinedRunes := curRunes + 2 + pRunes
		if joinedRunes > max {
			flush()
			cur = span{start: p.start, end: p.end}
			curRunes = pRunes
			continue
		}
		cur.end = p.end
		curRunes = joinedRunes
	}
	flush()

	parts := make([]Part, 0, len(spans))
	for _, sp := range spans {
		text := input[sp.start:sp.end]
		start16 := utf16Length(input[:sp.start])
		end16 := start16 + utf16Length(text)

		var sliced []Entity
		for _, e := range entities {
			s := maxInt(e.Offset, start16)
			f := minInt(e.Offset+e.Length, end16)
			if s >= f {
				continue
			}
			sliced = append(sliced, Entity{
				Type:     e.Type,
				Offset:   s - start16,
				Length:   f - s,
				URL:      e.URL,
				Language: e.Language,
				User:     e.User,
			})
		}
		parts = append(parts, Part{Text: text, Entities: sliced})
	}
	return parts
}

// splitParagraphSpans returns byte spans of non-empty paragraphs.
func splitParagraphSpans(input string) []struct{ start, end int } {
	var out []struct{ start, end int }
	offset := 0
	for _, para := range strings.Split(input, "\n\n") {
		trimmedLeft := strings.TrimLeft(para, "\n")
		start := offset + (len(para) - len(trimmedLeft))
		trimmed := strings.TrimRight(trimmedLeft, "\n")
		if trimmed != "" {
			out = append(out, struct{ start, end int }{start, start + len(trimmed)})
		}
		offset += len(para) + 2
	}
	return out
}

// TruncateForPreview bounds text (and its entities) for intermediate
// streaming flushes so edits stay well inside API limits.
func TruncateForPreview(input string, entities []Entity, max int) (string, []Entity) {
	runes := []rune(input)
	if len(runes) <= max {
		return input, entities
	}
	cut := string(runes[:max]) + "…"
	limit := utf16Length(string(runes[:max]))

	var kept []Entity
	for _, e := range entities {
		if e.Offset >= limit {
			continue
		}
		if e.Offset+e.Length > limit {
			e.Length = limit - e.Offset
		}
		if e.Length > 0 {
			kept = append(kept, e)
		}
	}
	return cut, kept
}

// utf16Length counts UTF-16 code units, the Bot API's offset space.
func utf16Length(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
