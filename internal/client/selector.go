package client

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// The scraping strategy only needs a small CSS subset:
//
//	tag          "li", "article"
//	.class       ".result", "li.story"
//	#id          "#results"
//	[attr]       "div[data-result]"
//	[attr=val]   "span[role=heading]"
//
// Parts separated by spaces chain as descendant combinators.

type selector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

func parseSelector(part string) selector {
	var s selector
	if i := strings.IndexByte(part, '['); i >= 0 {
		attr := strings.TrimRight(part[i+1:], "]")
		part = part[:i]
		if j := strings.IndexByte(attr, '='); j >= 0 {
			s.attrKey = attr[:j]
			s.attrVal = strings.Trim(attr[j+1:], `"'`)
		} else {
			s.attrKey = attr
		}
	}
	if i := strings.IndexByte(part, '#'); i >= 0 {
		s.id = part[i+1:]
		part = part[:i]
	}
	if i := strings.IndexByte(part, '.'); i >= 0 {
		s.class = part[i+1:]
		part = part[:i]
	}
	s.tag = part
	return s
}

func (s selector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && nodeAttr(n, "id") != s.id {
		return false
	}
	if s.class != "" {
		ok := false
		for _, c := range strings.Fields(nodeAttr(n, "class")) {
			if c == s.class {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.attrKey != "" {
		val, present := lookupAttr(n, s.attrKey)
		if !present {
			return false
		}
		if s.attrVal != "" && val != s.attrVal {
			return false
		}
	}
	return true
}

// selectAll returns every node under root matching the selector, document
// order, descendant combinators applied left to right.
func selectAll(root *html.Node, sel string) []*html.Node {
	parts := strings.Fields(sel)
	if len(parts) == 0 {
		return nil
	}
	current := []*html.Node{root}
	for _, part := range parts {
		s := parseSelector(part)
		var next []*html.Node
		for _, scope := range current {
			walkNodes(scope, func(n *html.Node) {
				if n != scope && s.matches(n) {
					next = append(next, n)
				}
			})
		}
		current = next
	}
	return current
}

// selectFirst returns the first match under root, or nil.
func selectFirst(root *html.Node, sel string) *html.Node {
	matches := selectAll(root, sel)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func walkNodes(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNodes(c, fn)
	}
}

// nodeText gathers the visible text under a node, whitespace collapsed,
// script and style subtrees skipped.
func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, w := range strings.Fields(n.Data) {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(w)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

func nodeAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
