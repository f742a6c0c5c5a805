// Package checks implements the Phase-2 comparison checks and the registry
// the pipeline dispatches them through.
package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pageparity/pageparity/internal/record"
	"github.com/pageparity/pageparity/internal/textdiff"
)

// Check config keys, used as result map keys.
const (
	KeyText              = "text"
	KeyLinks             = "links"
	KeySEO               = "seo"
	KeyScreenshotDesktop = "visualComparisonDesktop"
	KeyScreenshotMobile  = "screenshotMobile"
	KeyPageData          = "pageDataCheck"
)

// EventKey maps a config key to the canonical event key used in row-result
// payloads.
func EventKey(configKey string) string {
	switch configKey {
	case KeyText:
		return "text-comparison"
	case KeyLinks:
		return "link-checker"
	case KeyScreenshotDesktop:
		return "screenshot"
	case KeyScreenshotMobile:
		return "screenshot-mobile"
	default:
		return configKey
	}
}

// Status values carried by every check payload.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TimeoutError is returned when a single check invocation exceeds its
// configured duration.
type TimeoutError struct {
	Check   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("check %q timed out after %s", e.Check, e.Timeout)
}

// Fetcher retrieves one page's HTML. Implementations live in internal/fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ScanContext is the per-scan accumulator shared by all of one scan's
// Phase-2 handlers. It caches expensive artifacts (fetched HTML, cleaned
// HTML) so each is produced at most once per pipeline pass. It is
// constructed fresh per Phase-2 invocation, never persisted, never shared
// across scans.
type ScanContext struct {
	ScanID uuid.UUID
	RunID  uuid.UUID
	URLOld string
	URLNew string
	Probe  record.ProbeResult
	Config record.CheckConfig

	fetcher Fetcher

	mu         sync.Mutex
	htmlOld    *string
	htmlNew    *string
	cleanedOld *string
	cleanedNew *string
}

// NewScanContext builds the accumulator for one scan's Phase-2 pass.
func NewScanContext(scan record.Scan, probe record.ProbeResult, fetcher Fetcher) *ScanContext {
	return &ScanContext{
		ScanID:  scan.ID,
		RunID:   scan.RunID,
		URLOld:  scan.URLOld,
		URLNew:  scan.URLNew,
		Probe:   probe,
		Config:  scan.CheckConfig,
		fetcher: fetcher,
	}
}

// HTMLOld returns the legacy page's HTML, fetching it on first use.
func (sc *ScanContext) HTMLOld(ctx context.Context) (string, error) {
	return sc.cached(ctx, &sc.htmlOld, sc.URLOld)
}

// HTMLNew returns the migrated page's HTML, fetching it on first use.
func (sc *ScanContext) HTMLNew(ctx context.Context) (string, error) {
	return sc.cached(ctx, &sc.htmlNew, sc.URLNew)
}

// Prefetch loads both sides' HTML into the cache. The pipeline calls this
// once before dispatching handlers so fetch failures surface before any
// check runs.
func (sc *ScanContext) Prefetch(ctx context.Context) error {
	if _, err := sc.HTMLOld(ctx); err != nil {
		return fmt.Errorf("fetch old page: %w", err)
	}
	if _, err := sc.HTMLNew(ctx); err != nil {
		return fmt.Errorf("fetch new page: %w", err)
	}
	return nil
}

// CleanedOld returns the legacy page's HTML after exclude/visibility
// cleaning, computed on first use.
func (sc *ScanContext) CleanedOld(ctx context.Context) (string, error) {
	return sc.cleaned(ctx, &sc.cleanedOld, sc.HTMLOld, textdiff.PlatformLegacy)
}

// CleanedNew returns the migrated page's cleaned HTML, computed on first use.
func (sc *ScanContext) CleanedNew(ctx context.Context) (string, error) {
	return sc.cleaned(ctx, &sc.cleanedNew, sc.HTMLNew, textdiff.PlatformMigrated)
}

func (sc *ScanContext) cached(ctx context.Context, slot **string, url string) (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if *slot != nil {
		return **slot, nil
	}
	if sc.fetcher == nil {
		return "", fmt.Errorf("no fetcher configured")
	}
	html, err := sc.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	*slot = &html
	return html, nil
}

func (sc *ScanContext) cleaned(
	ctx context.Context,
	slot **string,
	source func(context.Context) (string, error),
	platform textdiff.Platform,
) (string, error) {
	raw, err := source(ctx)
	if err != nil {
		return "", err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if *slot != nil {
		return **slot, nil
	}
	cleaned, err := textdiff.Clean(raw, platform)
	if err != nil {
		return "", err
	}
	*slot = &cleaned
	return cleaned, nil
}

// Handler is one Phase-2 check. Handlers are independent: any may fail
// without corrupting other checks' recorded results.
type Handler interface {
	// Key is the config/result key the handler is stored under.
	Key() string
	// Run executes the check and returns its payload. Payloads must not
	// carry full page HTML.
	Run(ctx context.Context, sc *ScanContext) (json.RawMessage, error)
}

// Registry holds the Phase-2 handlers in deterministic dispatch order.
type Registry struct {
	handlers []Handler
	byKey    map[string]Handler
}

// NewRegistry builds a registry from handlers in dispatch order.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.byKey[h.Key()]; dup {
			return nil, fmt.Errorf("duplicate check handler %q", h.Key())
		}
		r.byKey[h.Key()] = h
		r.handlers = append(r.handlers, h)
	}
	return r, nil
}

// Enabled returns the handlers enabled by a scan's config, in registration
// order.
func (r *Registry) Enabled(cfg record.CheckConfig) []Handler {
	enabled := map[string]bool{
		KeyText:              cfg.Text,
		KeyLinks:             cfg.Links,
		KeySEO:               cfg.SEO,
		KeyScreenshotDesktop: cfg.VisualComparisonDesktop,
		KeyScreenshotMobile:  cfg.ScreenshotMobile,
	}
	var out []Handler
	for _, h := range r.handlers {
		if enabled[h.Key()] {
			out = append(out, h)
		}
	}
	return out
}

// Get returns the handler for a key, or nil.
func (r *Registry) Get(key string) Handler {
	return r.byKey[key]
}

// errorPayload is the tagged failure variant stored when a handler fails.
type errorPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResult encodes a check failure as that check's stored result.
func ErrorResult(err error) json.RawMessage {
	data, mErr := json.Marshal(errorPayload{Status: StatusError, Message: err.Error()})
	if mErr != nil {
		return json.RawMessage(`{"status":"error"}`)
	}
	return data
}
