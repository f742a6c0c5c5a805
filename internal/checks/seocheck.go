package checks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pageparity/pageparity/internal/checks/seo"
)

// SEOCheck extracts both pages' SEO metadata and evaluates the registered
// rule set. It works on the raw HTML; cleaning would strip the head.
type SEOCheck struct{}

// NewSEOCheck constructs the handler.
func NewSEOCheck() *SEOCheck { return &SEOCheck{} }

// Key implements Handler.
func (*SEOCheck) Key() string { return KeySEO }

type seoResult struct {
	Status string `json:"status"`
	seo.Report
}

// Run implements Handler.
func (*SEOCheck) Run(ctx context.Context, sc *ScanContext) (json.RawMessage, error) {
	oldHTML, err := sc.HTMLOld(ctx)
	if err != nil {
		return nil, err
	}
	newHTML, err := sc.HTMLNew(ctx)
	if err != nil {
		return nil, err
	}

	oldPage, err := seo.Extract(oldHTML, sc.URLOld)
	if err != nil {
		return nil, fmt.Errorf("extract old seo metadata: %w", err)
	}
	newPage, err := seo.Extract(newHTML, sc.URLNew)
	if err != nil {
		return nil, fmt.Errorf("extract new seo metadata: %w", err)
	}

	payload, err := json.Marshal(seoResult{
		Status: StatusOK,
		Report: seo.Evaluate(oldPage, newPage),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal seo result: %w", err)
	}
	return payload, nil
}
