package api

import (
	"encoding/json"
	"time"

	"github.com/pageparity/pageparity/internal/checks"
	"github.com/pageparity/pageparity/internal/record"
)

// urlPair is the old/new pair nested in scan views.
type urlPair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// screenshotPair groups the two screenshot results.
type screenshotPair struct {
	Desktop json.RawMessage `json:"desktop"`
	Mobile  json.RawMessage `json:"mobile"`
}

// scanView is the canonical scan shape every read endpoint returns. Check
// fields are always present; a check that did not run is null.
type scanView struct {
	ID            string              `json:"_id"`
	URLOld        string              `json:"urlOld"`
	URLNew        string              `json:"urlNew"`
	URLs          urlPair             `json:"urls"`
	ParentScanID  *string             `json:"parentScanId,omitempty"`
	Status        record.ScanStatus   `json:"status"`
	Phase         int                 `json:"phase"`
	CheckConfig   record.CheckConfig  `json:"checkConfig"`
	Text          json.RawMessage     `json:"text"`
	SEO           json.RawMessage     `json:"seo"`
	Links         json.RawMessage     `json:"links"`
	Screenshots   screenshotPair      `json:"screenshots"`
	PageDataCheck json.RawMessage     `json:"pageDataCheck"`
	Metadata      record.ScanMetadata `json:"metadata"`
	Error         string              `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
}

// runView is a run with its latest scan generation.
type runView struct {
	ID             string               `json:"_id"`
	Type           record.RunType       `json:"type"`
	RunName        string               `json:"runName"`
	RunNameAuto    bool                 `json:"runNameAuto"`
	Status         record.RunStatus     `json:"status"`
	TotalScans     int                  `json:"totalScans"`
	CompletedScans int                  `json:"completedScans"`
	FailedScans    int                  `json:"failedScans"`
	FetchRequest   *record.FetchRequest `json:"fetchRequest,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
	Scans          []scanView           `json:"scans,omitempty"`
}

func toScanView(scan record.Scan) scanView {
	pick := func(key string) json.RawMessage {
		if payload, ok := scan.Results[key]; ok {
			return payload
		}
		return json.RawMessage("null")
	}
	phase := 1
	if scan.Metadata.Probe != nil {
		phase = 2
	}
	view := scanView{
		ID:          scan.ID.String(),
		URLOld:      scan.URLOld,
		URLNew:      scan.URLNew,
		URLs:        urlPair{Old: scan.URLOld, New: scan.URLNew},
		Status:      scan.Status,
		Phase:       phase,
		CheckConfig: scan.CheckConfig,
		Text:        pick(checks.KeyText),
		SEO:         pick(checks.KeySEO),
		Links:       pick(checks.KeyLinks),
		Screenshots: screenshotPair{
			Desktop: pick(checks.KeyScreenshotDesktop),
			Mobile:  pick(checks.KeyScreenshotMobile),
		},
		PageDataCheck: pick(checks.KeyPageData),
		Metadata:      scan.Metadata,
		Error:         scan.Error,
		CreatedAt:     scan.CreatedAt,
		StartedAt:     scan.StartedAt,
		CompletedAt:   scan.CompletedAt,
	}
	if scan.ParentScanID != nil {
		parent := scan.ParentScanID.String()
		view.ParentScanID = &parent
	}
	return view
}

func toScanViews(scans []record.Scan) []scanView {
	out := make([]scanView, 0, len(scans))
	for _, scan := range scans {
		out = append(out, toScanView(scan))
	}
	return out
}

func toRunView(run record.Run, scans []record.Scan) runView {
	return runView{
		ID:             run.ID.String(),
		Type:           run.Type,
		RunName:        run.RunName,
		RunNameAuto:    run.RunNameAuto,
		Status:         run.Status,
		TotalScans:     run.TotalScans,
		CompletedScans: run.CompletedScans,
		FailedScans:    run.FailedScans,
		FetchRequest:   run.FetchRequest,
		CreatedAt:      run.CreatedAt,
		CompletedAt:    run.CompletedAt,
		Scans:          toScanViews(scans),
	}
}
