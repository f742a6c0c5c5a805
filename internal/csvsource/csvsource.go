// Package csvsource parses migration inventory rows, either uploaded as a
// CSV file or fetched from the migration dashboard's export endpoint.
package csvsource

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Row is one inventory line describing a migrated page.
type Row struct {
	PagePath               string
	PreviewURLAuto         string
	ContentStackURL        string
	DirectionFinal         string
	RemarksDS              string
	ApproachCombined       string
	TargetTemplateCombined string
	LastReplicationDate    string
}

// headerAliases maps normalized header cells to row fields. Exports from
// different dashboard versions label the same column differently.
var headerAliases = map[string]string{
	"pagepath":               "pagePath",
	"path":                   "pagePath",
	"previewurlauto":         "previewURLAuto",
	"previewurl":             "previewURLAuto",
	"aempreviewurl":          "previewURLAuto",
	"contentstackurl":        "contentStackURL",
	"csurl":                  "contentStackURL",
	"newurl":                 "contentStackURL",
	"directionfinal":         "directionFinal",
	"direction":              "directionFinal",
	"remarksds":              "remarksDS",
	"remarks":                "remarksDS",
	"approachcombined":       "approachCombined",
	"targettemplatecombined": "targetTemplateCombined",
	"lastreplicationdate":    "lastReplicationDate",
}

// Parse reads an inventory CSV. The first record is the header; unknown
// columns are ignored, short records are padded. A file without the
// pagePath column is rejected outright.
func Parse(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	fields := make(map[int]string, len(header))
	for i, cell := range header {
		if field, ok := headerAliases[normalizeHeader(cell)]; ok {
			fields[i] = field
		}
	}
	if !hasField(fields, "pagePath") {
		return nil, fmt.Errorf("csv is missing a pagePath column")
	}

	var rows []Row
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		var row Row
		for i, cell := range rec {
			switch fields[i] {
			case "pagePath":
				row.PagePath = strings.TrimSpace(cell)
			case "previewURLAuto":
				row.PreviewURLAuto = strings.TrimSpace(cell)
			case "contentStackURL":
				row.ContentStackURL = strings.TrimSpace(cell)
			case "directionFinal":
				row.DirectionFinal = strings.TrimSpace(cell)
			case "remarksDS":
				row.RemarksDS = strings.TrimSpace(cell)
			case "approachCombined":
				row.ApproachCombined = strings.TrimSpace(cell)
			case "targetTemplateCombined":
				row.TargetTemplateCombined = strings.TrimSpace(cell)
			case "lastReplicationDate":
				row.LastReplicationDate = strings.TrimSpace(cell)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// normalizeHeader reduces a header cell to lowercase letters and digits so
// "Preview URL (auto)" and "previewUrlAuto" land on the same alias.
func normalizeHeader(cell string) string {
	cell = strings.TrimPrefix(cell, "\ufeff")
	var b strings.Builder
	for _, r := range strings.ToLower(cell) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasField(fields map[int]string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
