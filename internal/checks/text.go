package checks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pageparity/pageparity/internal/textdiff"
)

// TextCheck runs the text-comparison diff engine over both sides' HTML.
type TextCheck struct{}

// NewTextCheck constructs the handler.
func NewTextCheck() *TextCheck { return &TextCheck{} }

// Key implements Handler.
func (*TextCheck) Key() string { return KeyText }

// textResult is the stored text-comparison payload. The cleaned HTML and
// extractions stay out of it; only the diff and parity travel.
type textResult struct {
	Status string `json:"status"`
	*textdiff.Report
	OldWordCount int `json:"oldWordCount"`
	NewWordCount int `json:"newWordCount"`
}

// Run implements Handler.
func (*TextCheck) Run(ctx context.Context, sc *ScanContext) (json.RawMessage, error) {
	oldHTML, err := sc.HTMLOld(ctx)
	if err != nil {
		return nil, err
	}
	newHTML, err := sc.HTMLNew(ctx)
	if err != nil {
		return nil, err
	}

	report, err := textdiff.Compare(oldHTML, newHTML)
	if err != nil {
		return nil, fmt.Errorf("text comparison: %w", err)
	}

	payload, err := json.Marshal(textResult{
		Status:       StatusOK,
		Report:       report,
		OldWordCount: report.OldExtraction.WordCount,
		NewWordCount: report.NewExtraction.WordCount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal text result: %w", err)
	}
	return payload, nil
}
