package textdiff

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// templateRe matches {{...}} and {{{...}}} template placeholders, including
// ones spanning multiple lines.
var templateRe = regexp.MustCompile(`(?s)\{\{\{?(.*?)\}?\}\}`)

// StripTemplates removes all template placeholders from raw HTML. Applied
// globally before visibility filtering so placeholder text never counts as
// page content.
func StripTemplates(rawHTML string) string {
	return templateRe.ReplaceAllString(rawHTML, "")
}

var inlineHiddenStyles = []string{
	"display:none", "display: none",
	"visibility:hidden", "visibility: hidden",
	"opacity:0", "opacity: 0",
}

// ApplyVisibility removes hidden elements from the document in place:
// inline hidden styles, the [hidden] attribute, aria-hidden="true", and the
// platform's hidden class conventions.
func ApplyVisibility(doc *goquery.Document, rules VisibilityRules) {
	doc.Find("[hidden]").Remove()
	doc.Find(`[aria-hidden="true"]`).Remove()

	doc.Find("[style]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		style, _ := s.Attr("style")
		style = strings.ToLower(style)
		for _, hidden := range inlineHiddenStyles {
			if strings.Contains(style, hidden) {
				return true
			}
		}
		return false
	}).Remove()

	if len(rules.HiddenClassPrefixes) == 0 && len(rules.HiddenClassEquals) == 0 {
		return
	}

	doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		attr, _ := s.Attr("class")
		return hasHiddenClass(attr, rules)
	}).Remove()
}

func hasHiddenClass(classAttr string, rules VisibilityRules) bool {
	for _, class := range strings.Fields(classAttr) {
		for _, prefix := range rules.HiddenClassPrefixes {
			if strings.HasPrefix(class, prefix) {
				return true
			}
		}
		for _, exact := range rules.HiddenClassEquals {
			if class == exact {
				return true
			}
		}
	}
	return false
}
