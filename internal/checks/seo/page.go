// Package seo extracts per-page SEO metadata and evaluates a registered
// rule set over an old/new page pair.
package seo

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is the extracted SEO metadata of one page.
type Page struct {
	URL           *url.URL `json:"-"`
	Title         string   `json:"title,omitempty"`
	Description   string   `json:"description,omitempty"`
	Canonical     string   `json:"canonical,omitempty"`
	Robots        string   `json:"robots,omitempty"`
	OGTitle       string   `json:"ogTitle,omitempty"`
	OGDescription string   `json:"ogDescription,omitempty"`
	OGImage       string   `json:"ogImage,omitempty"`
	Lang          string   `json:"lang,omitempty"`
	Dir           string   `json:"dir,omitempty"`
	LocaleTag     string   `json:"localeTag,omitempty"`
	Viewport      string   `json:"viewport,omitempty"`
	Charset       string   `json:"charset,omitempty"`
	H1Count       int      `json:"h1Count"`
}

// Extract parses a page's head and html attributes into a Page. A pageURL
// that does not parse leaves Page.URL nil; the URL rules then fail closed.
func Extract(html, pageURL string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Page{}, err
	}

	page := Page{
		Title:   strings.TrimSpace(doc.Find("head title").First().Text()),
		H1Count: doc.Find("h1").Length(),
	}
	if pageURL != "" {
		if parsed, parseErr := url.Parse(pageURL); parseErr == nil {
			page.URL = parsed
		}
	}

	root := doc.Find("html").First()
	if lang, ok := root.Attr("lang"); ok {
		page.Lang = strings.TrimSpace(lang)
	}
	if dir, ok := root.Attr("dir"); ok {
		page.Dir = strings.TrimSpace(dir)
	}

	metaContent := func(selector string) string {
		content, _ := doc.Find(selector).First().Attr("content")
		return strings.TrimSpace(content)
	}
	page.Description = metaContent(`head meta[name="description"]`)
	page.Robots = metaContent(`head meta[name="robots"]`)
	page.OGTitle = metaContent(`head meta[property="og:title"]`)
	page.OGDescription = metaContent(`head meta[property="og:description"]`)
	page.OGImage = metaContent(`head meta[property="og:image"]`)
	page.Viewport = metaContent(`head meta[name="viewport"]`)
	page.LocaleTag = metaContent(`head meta[name="commonlocale"]`)
	if page.LocaleTag == "" {
		page.LocaleTag = metaContent(`head meta[name="locale"]`)
	}

	if href, ok := doc.Find(`head link[rel="canonical"]`).First().Attr("href"); ok {
		page.Canonical = strings.TrimSpace(href)
	}
	if charset, ok := doc.Find("head meta[charset]").First().Attr("charset"); ok {
		page.Charset = strings.TrimSpace(charset)
	}

	return page, nil
}
