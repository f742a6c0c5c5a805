package seo

import (
	"net/url"
	"regexp"
	"strings"
)

// Outcome is what one rule reports for a page pair. PassOld/PassNew carry
// the raw observation; whether a pass is good depends on the rule's
// Preferred polarity. Neutral outcomes are excluded from scoring.
type Outcome struct {
	OldValue string
	NewValue string
	PassOld  bool
	PassNew  bool
	Neutral  bool
}

// Rule is one registered SEO comparison over both sides of a pair.
type Rule struct {
	ID        string
	Topic     string
	Label     string
	Weight    float64
	Preferred bool
	Run       func(oldPage, newPage Page) Outcome
}

var (
	isoLangRe       = regexp.MustCompile(`^[a-z]{2}-[A-Z]{2}$`)
	urlSpaceRe      = regexp.MustCompile(`\s|%20`)
	urlUnsafeRe     = regexp.MustCompile("[<>\"{}|\\\\^`]")
	stagingMarkers  = []string{"://stg.", "://acc.2.", "://tst.2.", "://dev.2."}
	badSlugMarkers  = []string{"_", "+", "%20"}
	absoluteMarkers = "https://www."
)

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func urlSlug(u *url.URL) string {
	if u == nil {
		return ""
	}
	parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func trimTrailingSlash(s string) string {
	return strings.TrimSuffix(s, "/")
}

// Rules is the fixed registered rule list, assembled at startup.
func Rules() []Rule {
	return []Rule{
		{
			ID: "canonical-present", Topic: "Metadata", Label: "Is the canonical tag present?",
			Weight: 3, Preferred: true,
			Run: func(o, n Page) Outcome {
				return Outcome{
					OldValue: o.Canonical, NewValue: n.Canonical,
					PassOld: o.Canonical != "", PassNew: n.Canonical != "",
				}
			},
		},
		{
			ID: "canonical-absolute", Topic: "Metadata", Label: "Is the canonical an absolute URL, with HTTPS and WWW?",
			Weight: 3, Preferred: true,
			Run: func(o, n Page) Outcome {
				valid := func(v string) bool {
					return strings.HasPrefix(v, absoluteMarkers) ||
						(strings.HasPrefix(v, "https://") && strings.Contains(v, "www."))
				}
				return Outcome{
					OldValue: o.Canonical, NewValue: n.Canonical,
					PassOld: valid(o.Canonical), PassNew: valid(n.Canonical),
				}
			},
		},
		{
			ID: "canonical-self-ref", Topic: "Metadata", Label: "Is the canonical tag self-referring?",
			Weight: 3, Preferred: true,
			Run: func(o, n Page) Outcome {
				selfRef := func(p Page) bool {
					return p.Canonical != "" &&
						trimTrailingSlash(p.Canonical) == trimTrailingSlash(urlString(p.URL))
				}
				return Outcome{
					OldValue: o.Canonical, NewValue: n.Canonical,
					PassOld: selfRef(o), PassNew: selfRef(n),
				}
			},
		},
		{
			ID: "html-lang-present", Topic: "Metadata", Label: "Does the page have the HTML lang attribute?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				return Outcome{
					OldValue: o.Lang, NewValue: n.Lang,
					PassOld: o.Lang != "", PassNew: n.Lang != "",
				}
			},
		},
		{
			ID: "html-lang-iso-format", Topic: "Metadata", Label: "Does the HTML lang attribute follow the ISO standard?",
			Weight: 5, Preferred: true,
			Run: func(o, n Page) Outcome {
				return Outcome{
					OldValue: o.Lang, NewValue: n.Lang,
					PassOld: isoLangRe.MatchString(o.Lang), PassNew: isoLangRe.MatchString(n.Lang),
				}
			},
		},
		{
			ID: "html-lang-locale-match", Topic: "Metadata", Label: "Is the HTML lang attribute set to the correct language-country combination?",
			Weight: 5, Preferred: true,
			Run: func(o, n Page) Outcome {
				localeParts := strings.SplitN(n.LocaleTag, "_", 2)
				langParts := strings.FieldsFunc(n.Lang, func(r rune) bool { return r == '-' || r == '_' })
				pass := false
				if len(localeParts) == 2 && len(langParts) >= 2 {
					pass = strings.EqualFold(localeParts[0], langParts[0]) &&
						strings.EqualFold(localeParts[1], langParts[1])
				}
				return Outcome{OldValue: o.Lang, NewValue: n.Lang, PassOld: true, PassNew: pass}
			},
		},
		{
			ID: "html-lang-rtl", Topic: "Metadata", Label: "For right-to-left languages, is text direction set to RTL?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				isArabic := func(lang string) bool {
					return strings.HasPrefix(strings.ToLower(strings.TrimSpace(lang)), "ar")
				}
				out := Outcome{
					OldValue: o.Lang,
					NewValue: n.Lang + " (dir=" + orNone(n.Dir) + ")",
				}
				if !isArabic(o.Lang) && !isArabic(n.Lang) {
					out.Neutral = true
					return out
				}
				out.PassOld = isArabic(o.Lang) && strings.EqualFold(o.Dir, "rtl")
				out.PassNew = isArabic(n.Lang) && strings.EqualFold(n.Dir, "rtl")
				return out
			},
		},
		{
			ID: "meta-title-same", Topic: "Metadata", Label: "Is the meta title the same?",
			Weight: 3, Preferred: true,
			Run: func(o, n Page) Outcome {
				return Outcome{
					OldValue: o.Title, NewValue: n.Title,
					PassOld: true, PassNew: strings.TrimSpace(o.Title) == strings.TrimSpace(n.Title),
				}
			},
		},
		{
			ID: "meta-title-length", Topic: "Metadata", Label: "Is the meta title at most 100 characters?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				return Outcome{
					OldValue: o.Title, NewValue: n.Title,
					PassOld: len(strings.TrimSpace(o.Title)) <= 100,
					PassNew: len(strings.TrimSpace(n.Title)) <= 100,
				}
			},
		},
		{
			ID: "meta-description-same", Topic: "Metadata", Label: "Is the meta description the same?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				return Outcome{
					OldValue: o.Description, NewValue: n.Description,
					PassOld: true,
					PassNew: strings.TrimSpace(o.Description) == strings.TrimSpace(n.Description),
				}
			},
		},
		{
			ID: "meta-description-length", Topic: "Metadata", Label: "Is the meta description at most 300 characters?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				return Outcome{
					OldValue: o.Description, NewValue: n.Description,
					PassOld: len(strings.TrimSpace(o.Description)) <= 300,
					PassNew: len(strings.TrimSpace(n.Description)) <= 300,
				}
			},
		},
		{
			ID: "robots-index", Topic: "Metadata", Label: "Does the page have an index robots tag (unless purposely noindex on staging)?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				indexFollow := func(v string) bool {
					v = strings.ToLower(v)
					return strings.Contains(v, "index") && strings.Contains(v, "follow")
				}
				out := Outcome{
					OldValue: o.Robots, NewValue: n.Robots,
					PassOld: indexFollow(o.Robots),
				}
				href := urlString(n.URL)
				for _, marker := range stagingMarkers {
					if strings.Contains(href, marker) {
						out.PassNew = true
						out.Neutral = true
						return out
					}
				}
				out.PassNew = indexFollow(n.Robots)
				return out
			},
		},
		{
			ID: "url-https", Topic: "URL", Label: "Is the URL using the HTTPS protocol?",
			Weight: 10, Preferred: true,
			Run: func(o, n Page) Outcome {
				https := func(u *url.URL) bool { return u != nil && u.Scheme == "https" }
				return Outcome{
					OldValue: yesNo(https(o.URL)), NewValue: yesNo(https(n.URL)),
					PassOld: https(o.URL), PassNew: https(n.URL),
				}
			},
		},
		{
			ID: "url-lowercase", Topic: "URL", Label: "Are URLs in lowercase?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				lower := func(u *url.URL) bool {
					slug := urlSlug(u)
					return slug != "" && slug == strings.ToLower(slug)
				}
				return Outcome{
					OldValue: yesNo(lower(o.URL)), NewValue: yesNo(lower(n.URL)),
					PassOld: lower(o.URL), PassNew: lower(n.URL),
				}
			},
		},
		{
			ID: "url-hyphens", Topic: "URL", Label: "Are words separated by hyphens?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				good := func(u *url.URL) bool {
					slug := urlSlug(u)
					for _, marker := range badSlugMarkers {
						if strings.Contains(slug, marker) {
							return false
						}
					}
					return true
				}
				return Outcome{
					OldValue: yesNo(good(o.URL)), NewValue: yesNo(good(n.URL)),
					PassOld: good(o.URL), PassNew: good(n.URL),
				}
			},
		},
		{
			ID: "url-params", Topic: "URL", Label: "Does the URL have parameters?",
			Weight: 0.5, Preferred: false,
			Run: func(o, n Page) Outcome {
				has := func(u *url.URL) bool { return u != nil && u.RawQuery != "" }
				return Outcome{
					OldValue: yesNo(has(o.URL)), NewValue: yesNo(has(n.URL)),
					PassOld: has(o.URL), PassNew: has(n.URL),
				}
			},
		},
		{
			ID: "url-fragments", Topic: "URL", Label: "Does the URL contain fragments?",
			Weight: 0.5, Preferred: false,
			Run: func(o, n Page) Outcome {
				has := func(u *url.URL) bool { return u != nil && u.Fragment != "" }
				return Outcome{
					OldValue: yesNo(has(o.URL)), NewValue: yesNo(has(n.URL)),
					PassOld: has(o.URL), PassNew: has(n.URL),
				}
			},
		},
		{
			ID: "url-trailing-slash", Topic: "URL", Label: "Do URLs end with a slash?",
			Weight: 0.5, Preferred: false,
			Run: func(o, n Page) Outcome {
				home := func(u *url.URL) bool {
					return u == nil || u.Path == "" || u.Path == "/"
				}
				ends := func(u *url.URL) bool {
					return u != nil && strings.HasSuffix(u.Path, "/")
				}
				out := Outcome{
					OldValue: yesNo(ends(o.URL)), NewValue: yesNo(ends(n.URL)),
					PassOld: ends(o.URL), PassNew: ends(n.URL),
				}
				// The homepage path is always "/"; scoring it would punish
				// every root URL, so it stays out of the tally.
				out.Neutral = home(o.URL) || home(n.URL)
				return out
			},
		},
		{
			ID: "url-utf8", Topic: "URL", Label: "Is the URL UTF-8 compliant and free of special characters?",
			Weight: 0.5, Preferred: true,
			Run: func(o, n Page) Outcome {
				clean := func(u *url.URL) bool {
					if u == nil {
						return false
					}
					href := u.String()
					return !urlSpaceRe.MatchString(href) && !urlUnsafeRe.MatchString(href)
				}
				return Outcome{
					OldValue: yesNo(clean(o.URL)), NewValue: yesNo(clean(n.URL)),
					PassOld: clean(o.URL), PassNew: clean(n.URL),
				}
			},
		},
		{
			ID: "url-path-match", Topic: "URL", Label: "Is the URL path the same?",
			Weight: 5, Preferred: true,
			Run: func(o, n Page) Outcome {
				oldPath, newPath := "", ""
				if o.URL != nil {
					oldPath = o.URL.Path
				}
				if n.URL != nil {
					newPath = n.URL.Path
				}
				return Outcome{
					OldValue: oldPath, NewValue: newPath,
					PassOld: true, PassNew: oldPath == newPath,
				}
			},
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
