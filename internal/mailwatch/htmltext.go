package mailwatch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// htmlToText flattens an HTML mail body to readable plain text.
// Script and style subtrees are dropped; block elements become line
// breaks.
func htmlToText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return stripWhitespace(raw)
	}
	var b strings.Builder
	walkText(doc, &b, false)
	return stripWhitespace(b.String())
}

func walkText(n *html.Node, b *strings.Builder, skip bool) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head:
			skip = true
		}
		if isBlockElement(n.DataAtom) {
			b.WriteString("\n")
		}
	}
	if n.Type == html.TextNode && !skip {
		b.WriteString(n.Data)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walkText(child, b, skip)
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Table:
		return true
	}
	return false
}

// stripWhitespace collapses runs of blank space while keeping single
// line breaks.
func stripWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
