// Package record defines the run/scan data model and the persistence
// interface every other component mutates scan state through.
// Implementations live in subpackages; this package must not import
// database drivers.
package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunType identifies how a run's URL pairs were supplied.
type RunType string

// Run types.
const (
	RunTypeSingle RunType = "single"
	RunTypeBulk   RunType = "bulk"
	RunTypeFetch  RunType = "fetch"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
)

// ScanStatus is the lifecycle state of one scan.
type ScanStatus string

// Scan statuses.
const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// Terminal reports whether a scan status is final.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

// CheckConfig enables individual heavy checks for a scan. The JSON keys are
// the result map keys the pipeline stores each check under.
type CheckConfig struct {
	Text                    bool `json:"text"`
	Links                   bool `json:"links"`
	SEO                     bool `json:"seo"`
	VisualComparisonDesktop bool `json:"visualComparisonDesktop"`
	ScreenshotMobile        bool `json:"screenshotMobile"`
}

// DefaultCheckConfig enables every check.
func DefaultCheckConfig() CheckConfig {
	return CheckConfig{
		Text:                    true,
		Links:                   true,
		SEO:                     true,
		VisualComparisonDesktop: true,
		ScreenshotMobile:        true,
	}
}

// FetchRequest captures the source query parameters a fetch run was created
// from.
type FetchRequest struct {
	CountryCode  string   `json:"countryCode"`
	BusinessUnit string   `json:"businessUnit"`
	Locales      []string `json:"locales,omitempty"`
	BUCombined   []string `json:"buCombined,omitempty"`
}

// Run is a batch of URL-pair comparisons submitted together.
type Run struct {
	ID   uuid.UUID `json:"id"`
	Type RunType   `json:"type"`
	// RunName is the display name; RunNameAuto marks it as generated rather
	// than user-provided.
	RunName     string    `json:"runName"`
	RunNameAuto bool      `json:"runNameAuto"`
	Status      RunStatus `json:"status"`
	// Counters are derived from the latest-generation scan set, never
	// incremented in place.
	TotalScans     int `json:"totalScans"`
	CompletedScans int `json:"completedScans"`
	FailedScans    int `json:"failedScans"`
	// ScanIDs is the full scan history of the run, every generation included.
	ScanIDs      []uuid.UUID   `json:"scanIds"`
	FetchRequest *FetchRequest `json:"fetchRequest,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// ProbeSide is the first-hop HTTP observation of one URL.
type ProbeSide struct {
	URL        string `json:"url"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	DurationMS int64  `json:"durationMs"`
	// Platform is the heuristic fingerprint of the rendering platform, empty
	// when no known marker was found in the body.
	Platform string `json:"platform,omitempty"`
	// RedirectLocation is the Location header of a first-hop redirect.
	RedirectLocation string `json:"redirectLocation,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ProbeResult is the stored outcome of a scan's Phase-1 probe. Its presence
// on a scan is what admits the scan to Phase 2.
type ProbeResult struct {
	Old ProbeSide `json:"old"`
	New ProbeSide `json:"new"`
	// ShouldContinue is true only when both sides returned HTTP 200.
	ShouldContinue bool      `json:"shouldContinue"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// PageMeta is the lightweight page metadata captured alongside the probe.
type PageMeta struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Lang        string `json:"lang,omitempty"`
}

// ScanMetadata is the free-form metadata block of a scan.
type ScanMetadata struct {
	Probe   *ProbeResult `json:"probe,omitempty"`
	PageOld *PageMeta    `json:"pageOld,omitempty"`
	PageNew *PageMeta    `json:"pageNew,omitempty"`
	// Row carries source-row fields for bulk/fetch scans.
	Row map[string]string `json:"row,omitempty"`
}

// Scan is one URL-pair comparison attempt.
type Scan struct {
	ID     uuid.UUID `json:"id"`
	RunID  uuid.UUID `json:"runId"`
	URLOld string    `json:"urlOld"`
	URLNew string    `json:"urlNew"`
	// ParentScanID is nil for an original scan and set to the original's id
	// for a rescan/rerun generation.
	ParentScanID *uuid.UUID   `json:"parentScanId,omitempty"`
	Deleted      bool         `json:"deleted"`
	Status       ScanStatus   `json:"status"`
	CheckConfig  CheckConfig  `json:"checkConfig"`
	Metadata     ScanMetadata `json:"metadata"`
	// Results maps a check config key to that check's payload, opaque to the
	// orchestrator.
	Results     map[string]json.RawMessage `json:"results,omitempty"`
	Error       string                     `json:"error,omitempty"`
	CreatedAt   time.Time                  `json:"createdAt"`
	StartedAt   *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt *time.Time                 `json:"completedAt,omitempty"`
}

// PairKey identifies a scan's URL pair for generation grouping.
func (s Scan) PairKey() string {
	return s.URLOld + "\x00" + s.URLNew
}
