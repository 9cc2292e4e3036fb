package content

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockElements separate their content from the surrounding text with a
// space.
var blockElements = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true, atom.Footer: true,
	atom.Form: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Header: true,
	atom.Hr: true, atom.Li: true, atom.Main: true, atom.Nav: true,
	atom.Ol: true, atom.Pre: true, atom.Section: true, atom.Table: true,
	atom.Tbody: true, atom.Td: true, atom.Tfoot: true, atom.Th: true,
	atom.Thead: true, atom.Title: true, atom.Tr: true, atom.Ul: true,
}

// HTMLToText extracts the visible text of a parsed document. Whitespace is
// collapsed, <br> becomes a newline and every <p> is followed by a blank
// line.
func HTMLToText(doc *html.Node) string {
	var b strings.Builder
	walk(&b, doc)
	return normalize(b.String())
}

func walk(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(collapse(n.Data))
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Template, atom.Noscript:
			return
		case atom.Br:
			b.WriteByte('\n')
			return
		}
	}

	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(b, c)
	}
	switch {
	case n.Type == html.ElementNode && n.DataAtom == atom.P:
		b.WriteString("\n\n")
	case block:
		b.WriteByte(' ')
	}
}

// collapse turns every whitespace run of a text node into a single space.
// Newlines in the source never survive, so the only newlines left in the
// walker output are the ones inserted for <br> and <p>.
func collapse(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if isSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	if space {
		b.WriteByte(' ')
	}
	return b.String()
}

// normalize merges adjacent spaces and drops spaces at the start, at the
// end and around inserted newlines.
func normalize(s string) string {
	var b strings.Builder
	pending := false
	atLineStart := true
	for _, r := range s {
		switch {
		case r == '\n':
			pending = false
			atLineStart = true
			b.WriteByte('\n')
		case r == ' ':
			pending = true
		default:
			if pending && !atLineStart {
				b.WriteByte(' ')
			}
			pending = false
			atLineStart = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
