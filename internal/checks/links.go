package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// maxRedirectHops caps manual redirect following per link.
const maxRedirectHops = 10

// Link outcomes derived from the score.
const (
	LinkSuccess = "success"
	LinkWarning = "warning"
	LinkError   = "error"
)

// Side delta verdicts.
const (
	VerdictImprovement = "improvement"
	VerdictRegression  = "regression"
	VerdictNoChange    = "no-change"
)

// LinkResult is one probed link.
type LinkResult struct {
	URL      string  `json:"url"`
	Internal bool    `json:"internal"`
	Status   int     `json:"status,omitempty"`
	FinalURL string  `json:"finalUrl,omitempty"`
	Hops     int     `json:"hops"`
	Insecure bool    `json:"insecure"`
	Score    float64 `json:"score"`
	Outcome  string  `json:"outcome"`
	Error    string  `json:"error,omitempty"`
}

// SideReport aggregates one page's links.
type SideReport struct {
	Total        int          `json:"total"`
	Internal     int          `json:"internal"`
	External     int          `json:"external"`
	Success      int          `json:"success"`
	Warning      int          `json:"warning"`
	ErrorCount   int          `json:"errors"`
	AverageScore float64      `json:"averageScore"`
	Links        []LinkResult `json:"links"`
}

// linksResult is the stored link-checker payload.
type linksResult struct {
	Status  string     `json:"status"`
	Old     SideReport `json:"old"`
	New     SideReport `json:"new"`
	Verdict string     `json:"verdict"`
}

// LinkCheckConfig controls the link checker.
type LinkCheckConfig struct {
	Timeout     time.Duration
	Concurrency int
	UserAgent   string
	// Client overrides the default HTTP client (tests). It must not follow
	// redirects on its own.
	Client *http.Client
}

// LinkCheck probes every anchor target on both sides and compares link
// health between them.
type LinkCheck struct {
	cfg    LinkCheckConfig
	client *http.Client
}

// NewLinkCheck constructs the handler with a non-following HTTP client;
// redirects are walked manually so each hop is observable.
func NewLinkCheck(cfg LinkCheckConfig) *LinkCheck {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &LinkCheck{cfg: cfg, client: client}
}

// Key implements Handler.
func (*LinkCheck) Key() string { return KeyLinks }

// Run implements Handler.
func (c *LinkCheck) Run(ctx context.Context, sc *ScanContext) (json.RawMessage, error) {
	oldHTML, err := sc.HTMLOld(ctx)
	if err != nil {
		return nil, err
	}
	newHTML, err := sc.HTMLNew(ctx)
	if err != nil {
		return nil, err
	}

	oldReport, err := c.checkSide(ctx, sc.URLOld, oldHTML)
	if err != nil {
		return nil, fmt.Errorf("check old links: %w", err)
	}
	newReport, err := c.checkSide(ctx, sc.URLNew, newHTML)
	if err != nil {
		return nil, fmt.Errorf("check new links: %w", err)
	}

	payload, err := json.Marshal(linksResult{
		Status:  StatusOK,
		Old:     oldReport,
		New:     newReport,
		Verdict: verdict(oldReport.AverageScore, newReport.AverageScore),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal links result: %w", err)
	}
	return payload, nil
}

func (c *LinkCheck) checkSide(ctx context.Context, pageURL, html string) (SideReport, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return SideReport{}, fmt.Errorf("parse page url: %w", err)
	}
	targets, err := extractLinks(base, html)
	if err != nil {
		return SideReport{}, err
	}

	results := make([]LinkResult, len(targets))
	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target *url.URL) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.probeLink(ctx, base, target)
		}(i, target)
	}
	wg.Wait()

	report := SideReport{Total: len(results), Links: results}
	var sum float64
	for _, r := range results {
		sum += r.Score
		if r.Internal {
			report.Internal++
		} else {
			report.External++
		}
		switch r.Outcome {
		case LinkSuccess:
			report.Success++
		case LinkWarning:
			report.Warning++
		default:
			report.ErrorCount++
		}
	}
	if len(results) > 0 {
		report.AverageScore = sum / float64(len(results))
	}
	return report, nil
}

// probeLink follows redirects manually up to maxRedirectHops and scores the
// outcome: perfect 1.0, redirected or insecure 0.5, both 0.25, broken 0.
func (c *LinkCheck) probeLink(ctx context.Context, base, target *url.URL) LinkResult {
	result := LinkResult{
		URL:      target.String(),
		Internal: strings.EqualFold(target.Hostname(), base.Hostname()),
		Insecure: target.Scheme != "https",
	}

	current := target
	for hop := 0; hop <= maxRedirectHops; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			result.Error = err.Error()
			result.Outcome = LinkError
			return result
		}
		if c.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			result.Error = err.Error()
			result.Outcome = LinkError
			return result
		}
		status := resp.StatusCode
		location := resp.Header.Get("Location")
		resp.Body.Close()

		result.Status = status
		result.FinalURL = current.String()

		if status >= 300 && status < 400 && location != "" {
			next, err := current.Parse(location)
			if err != nil {
				result.Error = fmt.Sprintf("bad redirect location %q", location)
				result.Outcome = LinkError
				return result
			}
			if next.Scheme != "https" {
				result.Insecure = true
			}
			result.Hops++
			current = next
			continue
		}

		if status >= 400 {
			result.Outcome = LinkError
			return result
		}

		result.Score = scoreLink(result.Hops > 0, result.Insecure)
		result.Outcome = outcome(result.Score)
		return result
	}

	result.Error = fmt.Sprintf("redirect chain exceeded %d hops", maxRedirectHops)
	result.Outcome = LinkError
	return result
}

func scoreLink(redirected, insecure bool) float64 {
	switch {
	case redirected && insecure:
		return 0.25
	case redirected || insecure:
		return 0.5
	default:
		return 1.0
	}
}

func outcome(score float64) string {
	switch {
	case score >= 1.0:
		return LinkSuccess
	case score > 0:
		return LinkWarning
	default:
		return LinkError
	}
}

func verdict(oldScore, newScore float64) string {
	switch {
	case newScore > oldScore:
		return VerdictImprovement
	case newScore < oldScore:
		return VerdictRegression
	default:
		return VerdictNoChange
	}
}

// extractLinks collects the deduplicated absolute anchor targets of a page.
func extractLinks(base *url.URL, html string) ([]*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]*url.URL)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
			return
		}
		resolved.Fragment = ""
		seen[resolved.String()] = resolved
	})

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*url.URL, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out, nil
}
