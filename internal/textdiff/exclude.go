// Package textdiff implements the content-parity engine: it strips platform
// chrome and hidden elements from paired legacy/migrated HTML, extracts
// human-readable text blocks, and diffs the two block lists into an ordered
// set of equal/similar/missing/added operations with a word-level parity
// score. Everything in this package is pure: callers supply HTML strings
// that have already been fetched.
package textdiff

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ApplyExcludes removes every node matched by the platform's exclude rules
// from the document in place.
func ApplyExcludes(doc *goquery.Document, rules []ExcludeRule) {
	for _, rule := range rules {
		switch rule.Type {
		case RuleSelector, RuleTag:
			doc.Find(rule.Value).Remove()
		case RuleAttrEquals:
			doc.Find("[" + rule.Attr + "]").FilterFunction(func(_ int, s *goquery.Selection) bool {
				v, _ := s.Attr(rule.Attr)
				return v == rule.Equals
			}).Remove()
		case RuleAttrContains:
			doc.Find("[" + rule.Attr + "]").FilterFunction(func(_ int, s *goquery.Selection) bool {
				v, _ := s.Attr(rule.Attr)
				return strings.Contains(v, rule.Contains)
			}).Remove()
		case RuleCommentRange:
			stripCommentRange(doc, rule.Start, rule.End)
		}
	}
}

// stripCommentRange removes the content delimited by a pair of HTML comment
// markers. It first tries to remove the smallest structural ancestor
// (div/section/header/footer/nav) of the start marker; when no such ancestor
// exists it removes every node strictly between the two markers in document
// order.
func stripCommentRange(doc *goquery.Document, startMarker, endMarker string) {
	root := doc.Get(0)
	flat := flattenTree(root, nil)

	var startNode, endNode *html.Node
	for _, n := range flat {
		if n.Type != html.CommentNode {
			continue
		}
		t := strings.TrimSpace(n.Data)
		if startNode == nil && strings.Contains(t, startMarker) {
			startNode = n
		}
		if strings.Contains(t, endMarker) && n != startNode {
			endNode = n
		}
		if startNode != nil && endNode != nil {
			break
		}
	}
	if startNode == nil || endNode == nil {
		return
	}

	if parent := sectionParent(startNode); parent != nil {
		removeNode(parent)
		return
	}

	stripBetween(flat, startMarker, endMarker)
}

func stripBetween(flat []*html.Node, startMarker, endMarker string) {
	active := false
	var removed []*html.Node

	for _, n := range flat {
		if n.Type == html.CommentNode {
			t := strings.TrimSpace(n.Data)
			if strings.Contains(t, startMarker) {
				active = true
				removed = append(removed, n)
				continue
			}
			if strings.Contains(t, endMarker) {
				removed = append(removed, n)
				active = false
				continue
			}
		}
		if active {
			removed = append(removed, n)
		}
	}

	for _, n := range removed {
		removeNode(n)
	}
}

var sectionTags = map[string]bool{
	"div": true, "section": true, "header": true, "footer": true, "nav": true,
}

func sectionParent(n *html.Node) *html.Node {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && sectionTags[cur.Data] {
			return cur
		}
	}
	return nil
}

func removeNode(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

func flattenTree(n *html.Node, out []*html.Node) []*html.Node {
	if n == nil {
		return out
	}
	out = append(out, n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = flattenTree(c, out)
	}
	return out
}
