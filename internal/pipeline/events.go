package pipeline

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/pageparity/pageparity/internal/checks"
	"github.com/pageparity/pageparity/internal/record"
)

// RowUpdate is the Phase-1 metadata event payload.
type RowUpdate struct {
	ScanID        uuid.UUID           `json:"scanId"`
	Key           string              `json:"key"`
	PageDataCheck *record.ProbeResult `json:"pageDataCheck"`
}

// RowResult carries one check's payload, keyed by canonical check name.
type RowResult struct {
	ScanID uuid.UUID       `json:"scanId"`
	Key    string          `json:"key"`
	Result json.RawMessage `json:"result"`
}

// RowError carries a scan failure message.
type RowError struct {
	ScanID  uuid.UUID `json:"scanId"`
	Message string    `json:"message"`
}

// RowDone is the terminal compatibility marker.
type RowDone struct {
	ScanID uuid.UUID         `json:"scanId"`
	Status record.ScanStatus `json:"status"`
}

// RowURLs is the url pair inside final payloads.
type RowURLs struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// RowFinal is the unified terminal payload. Its shape is identical for
// success and failure; absent checks are null.
type RowFinal struct {
	ScanID            uuid.UUID           `json:"scanId"`
	Status            record.ScanStatus   `json:"status"`
	Error             string              `json:"error,omitempty"`
	URLs              RowURLs             `json:"urls"`
	PageDataCheck     *record.ProbeResult `json:"pageDataCheck"`
	Text              json.RawMessage     `json:"text"`
	Links             json.RawMessage     `json:"links"`
	SEO               json.RawMessage     `json:"seo"`
	ScreenshotDesktop json.RawMessage     `json:"screenshotDesktop"`
	ScreenshotMobile  json.RawMessage     `json:"screenshotMobile"`
}

// NewRowFinal assembles the unified payload from a scan's persisted state.
func NewRowFinal(scan record.Scan) RowFinal {
	final := RowFinal{
		ScanID:        scan.ID,
		Status:        scan.Status,
		Error:         scan.Error,
		URLs:          RowURLs{Old: scan.URLOld, New: scan.URLNew},
		PageDataCheck: scan.Metadata.Probe,
	}
	pick := func(key string) json.RawMessage {
		if payload, ok := scan.Results[key]; ok {
			return payload
		}
		return json.RawMessage("null")
	}
	final.Text = pick(checks.KeyText)
	final.Links = pick(checks.KeyLinks)
	final.SEO = pick(checks.KeySEO)
	final.ScreenshotDesktop = pick(checks.KeyScreenshotDesktop)
	final.ScreenshotMobile = pick(checks.KeyScreenshotMobile)
	return final
}
