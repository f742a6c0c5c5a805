package checks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pageparity/pageparity/internal/record"
	"github.com/pageparity/pageparity/internal/textdiff"
)

// probeBodyLimit bounds how much of a probed page is read for
// fingerprinting and metadata extraction.
const probeBodyLimit = 2 << 20

// Platform fingerprint markers searched for in the probed body.
const (
	markerLegacy   = "clientlibs/foundation-base"
	markerMigrated = "c-resources/_next"
)

// ProberConfig controls the Phase-1 prober.
type ProberConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// Prober performs the Phase-1 metadata probe: one manual-redirect GET per
// side, first hop only.
type Prober struct {
	cfg    ProberConfig
	client *http.Client
}

// NewProber builds a prober with its own non-following HTTP client.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Prober{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe checks both URLs in parallel and reports whether the scan should
// continue to Phase 2 (both sides HTTP 200).
func (p *Prober) Probe(ctx context.Context, urlOld, urlNew string) (record.ProbeResult, *record.PageMeta, *record.PageMeta) {
	var (
		wg               sync.WaitGroup
		oldSide, newSide record.ProbeSide
		oldMeta, newMeta *record.PageMeta
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		oldSide, oldMeta = p.probeOne(ctx, urlOld)
	}()
	go func() {
		defer wg.Done()
		newSide, newMeta = p.probeOne(ctx, urlNew)
	}()
	wg.Wait()

	return record.ProbeResult{
		Old:            oldSide,
		New:            newSide,
		ShouldContinue: oldSide.Status == http.StatusOK && newSide.Status == http.StatusOK,
		CheckedAt:      time.Now().UTC(),
	}, oldMeta, newMeta
}

func (p *Prober) probeOne(ctx context.Context, rawURL string) (record.ProbeSide, *record.PageMeta) {
	side := record.ProbeSide{URL: rawURL}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, NoCacheURL(rawURL), nil)
	if err != nil {
		side.DurationMS = time.Since(start).Milliseconds()
		side.Error = fmt.Sprintf("build request: %v", err)
		return side, nil
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		side.DurationMS = time.Since(start).Milliseconds()
		side.Error = err.Error()
		return side, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	side.DurationMS = time.Since(start).Milliseconds()
	side.Status = resp.StatusCode
	side.StatusText = http.StatusText(resp.StatusCode)
	side.RedirectLocation = resp.Header.Get("Location")
	side.Platform = fingerprint(string(body))

	var meta *record.PageMeta
	if resp.StatusCode == http.StatusOK {
		meta = extractPageMeta(string(body))
	}
	return side, meta
}

// NoCacheURL appends a cache-busting timestamp parameter to a URL. Invalid
// URLs are returned unchanged; the probe will report the real error.
func NoCacheURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("nocache", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// fingerprint identifies the rendering platform from known body markers.
func fingerprint(body string) string {
	if strings.Contains(body, markerLegacy) {
		return string(textdiff.PlatformLegacy)
	}
	if strings.Contains(body, markerMigrated) {
		return string(textdiff.PlatformMigrated)
	}
	return ""
}

func extractPageMeta(body string) *record.PageMeta {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}
	meta := &record.PageMeta{
		Title: strings.TrimSpace(doc.Find("head title").First().Text()),
	}
	if desc, ok := doc.Find(`head meta[name="description"]`).First().Attr("content"); ok {
		meta.Description = strings.TrimSpace(desc)
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		meta.Lang = strings.TrimSpace(lang)
	}
	return meta
}

// AbortMessage renders the human-readable failure message for a probe that
// did not pass.
func AbortMessage(probe record.ProbeResult) string {
	return fmt.Sprintf("pageDataCheck aborted: old=%s, new=%s",
		sideSummary(probe.Old), sideSummary(probe.New))
}

func sideSummary(side record.ProbeSide) string {
	if side.Error != "" {
		return side.Error
	}
	if side.StatusText != "" {
		return fmt.Sprintf("%d %s", side.Status, side.StatusText)
	}
	return strconv.Itoa(side.Status)
}
