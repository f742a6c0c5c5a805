package textdiff

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Extraction holds the ordered human-readable text blocks of one page and
// the page's total word count.
type Extraction struct {
	Blocks    []string `json:"blocks"`
	WordCount int      `json:"wordCount"`
}

// ExtractBlocks walks the body of already-cleaned HTML and emits one text
// block per leaf element: the deepest container whose only element children
// are script/style. Non-human text fragments are filtered out before a block
// is assembled.
func ExtractBlocks(cleanedHTML string) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(cleanedHTML))
	if err != nil {
		return Extraction{}, err
	}

	var blocks []string
	doc.Find("body *").Not("script, style, noscript").Each(func(_ int, s *goquery.Selection) {
		if !isLeafElement(s) {
			return
		}
		fragments := deepText(s.Get(0))
		if len(fragments) == 0 {
			return
		}
		text := collapseWhitespace(strings.Join(fragments, " "))
		if text == "" {
			return
		}
		blocks = append(blocks, text)
	})

	return Extraction{
		Blocks:    blocks,
		WordCount: len(strings.Fields(strings.Join(blocks, " "))),
	}, nil
}

// isLeafElement reports whether a node has no element descendants other than
// script/style, i.e. it is the deepest text-bearing container.
func isLeafElement(s *goquery.Selection) bool {
	return s.Children().Length() == 0 || s.Find("*").Not("script, style").Length() == 0
}

// deepText collects all trimmed descendant text nodes of root that pass the
// human-text filter, in document order.
func deepText(root *html.Node) []string {
	if root == nil {
		return nil
	}
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if txt := strings.TrimSpace(n.Data); txt != "" {
				out = append(out, txt)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	filtered := out[:0]
	for _, t := range out {
		if isHumanText(t) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

var (
	numberRe        = regexp.MustCompile(`^\d+([.,]\d+)?$`)
	jsonKeyRe       = regexp.MustCompile(`"[a-zA-Z0-9_-]+"\s*:`)
	codeTokenRe     = regexp.MustCompile(`(?i)(function|var|let|const|=>|querySelector|document|forEach)`)
	machineNoiseRe  = regexp.MustCompile(`[:{}\[\]()=<>]`)
	letterRe        = regexp.MustCompile(`[a-zA-Z]`)
	sentencePunctRe = regexp.MustCompile(`[.!?]`)
	vowelRe         = regexp.MustCompile(`(?i)[aeiouáéíóúäëïöüàèìòù]`)
	unusualSymbolRe = regexp.MustCompile(`[^a-zA-Z0-9\s.,%-]`)
)

// isHumanText filters out JSON fragments, code-like tokens, punctuation
// noise, over-long machine strings, and vowel-less symbol soup, keeping text
// a person would actually read. Pure numbers (prices, codes) are kept.
func isHumanText(str string) bool {
	s := strings.TrimSpace(str)
	if s == "" {
		return false
	}

	if numberRe.MatchString(s) {
		return true
	}
	if jsonKeyRe.MatchString(s) {
		return false
	}
	if codeTokenRe.MatchString(s) {
		return false
	}
	if machineNoiseRe.MatchString(s) && !letterRe.MatchString(s) {
		return false
	}
	if len(s) > 300 && !sentencePunctRe.MatchString(s) {
		return false
	}
	if !vowelRe.MatchString(s) && unusualSymbolRe.MatchString(s) {
		return false
	}
	return true
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
