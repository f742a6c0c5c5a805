package textdiff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// EqualType distinguishes exact block matches from reworded ones.
type EqualType string

// Match kinds appearing in Report.Equals.
const (
	EqualExact   EqualType = "exact"
	EqualSimilar EqualType = "similar"
)

// Equal is one matched block pair in the merged diff. Exact matches carry
// Text; similar matches carry the word-level split plus the similarity.
type Equal struct {
	Type         EqualType `json:"type"`
	OldIndex     int       `json:"oldIndex"`
	NewIndex     int       `json:"newIndex"`
	Text         string    `json:"text,omitempty"`
	Similarity   float64   `json:"similarity,omitempty"`
	EqualText    string    `json:"equalText,omitempty"`
	MissingWords string    `json:"missingWords,omitempty"`
	AddedWords   string    `json:"addedWords,omitempty"`
}

// Op is one entry of the flat, reading-order operation list.
type Op struct {
	Op           string   `json:"op"` // equal | similar | delete | insert
	OldIndex     *int     `json:"oldIndex"`
	NewIndex     *int     `json:"newIndex"`
	TextOld      *string  `json:"textOld"`
	TextNew      *string  `json:"textNew"`
	Similarity   *float64 `json:"similarity"`
	MissingWords *string  `json:"missingWords,omitempty"`
	AddedWords   *string  `json:"addedWords,omitempty"`
}

// Report is the full output of one text comparison.
type Report struct {
	Equals  []Equal `json:"equals"`
	Missing []Block `json:"missing"`
	Added   []Block `json:"added"`
	Ops     []Op    `json:"ops"`
	Parity  Parity  `json:"contentParity"`

	OldExtraction Extraction `json:"-"`
	NewExtraction Extraction `json:"-"`
	CleanedOld    string     `json:"-"`
	CleanedNew    string     `json:"-"`
}

// Clean runs the exclude and visibility stages for one platform and returns
// the cleaned HTML. Template placeholders are stripped between the two
// stages, matching the pipeline order: exclude, template strip, visibility.
func Clean(rawHTML string, p Platform) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	ApplyExcludes(doc, ExcludesFor(p))

	excluded, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize excluded html: %w", err)
	}

	doc, err = goquery.NewDocumentFromReader(strings.NewReader(StripTemplates(excluded)))
	if err != nil {
		return "", fmt.Errorf("reparse html: %w", err)
	}
	ApplyVisibility(doc, VisibilityFor(p))

	cleaned, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize cleaned html: %w", err)
	}
	return cleaned, nil
}

// Compare runs the whole engine over a legacy/migrated HTML pair: clean both
// sides, extract blocks, exact diff, similarity diff, merge, flatten into
// ops, and score parity. Empty input on either side yields empty block lists
// rather than an error.
func Compare(oldHTML, newHTML string) (*Report, error) {
	cleanedOld, err := Clean(oldHTML, PlatformLegacy)
	if err != nil {
		return nil, fmt.Errorf("clean legacy html: %w", err)
	}
	cleanedNew, err := Clean(newHTML, PlatformMigrated)
	if err != nil {
		return nil, fmt.Errorf("clean migrated html: %w", err)
	}

	oldExtraction, err := ExtractBlocks(cleanedOld)
	if err != nil {
		return nil, fmt.Errorf("extract legacy blocks: %w", err)
	}
	newExtraction, err := ExtractBlocks(cleanedNew)
	if err != nil {
		return nil, fmt.Errorf("extract migrated blocks: %w", err)
	}

	exact := DiffBlocks(oldExtraction.Blocks, newExtraction.Blocks)
	similar := MatchSimilar(exact.Missing, exact.Added, DefaultSimilarityThreshold, DefaultMinWords)

	report := merge(exact, similar)
	report.Ops = buildOps(report, oldExtraction.Blocks, newExtraction.Blocks)
	report.Parity = ComputeParity(report.Equals, report.Missing, report.Added, oldExtraction.WordCount, newExtraction.WordCount)
	report.OldExtraction = oldExtraction
	report.NewExtraction = newExtraction
	report.CleanedOld = cleanedOld
	report.CleanedNew = cleanedNew
	return report, nil
}

// merge folds the exact and similarity passes into the final equals,
// missing, and added buckets. Word runs a similarity match could not pair
// stay visible as missing/added fragments.
func merge(exact ExactDiff, similar SimilarDiff) *Report {
	report := &Report{}

	for _, e := range exact.Equals {
		report.Equals = append(report.Equals, Equal{
			Type:     EqualExact,
			OldIndex: e.OldIndex,
			NewIndex: e.NewIndex,
			Text:     e.Text,
		})
	}
	for _, m := range similar.Matches {
		report.Equals = append(report.Equals, Equal{
			Type:         EqualSimilar,
			OldIndex:     m.OldIndex,
			NewIndex:     m.NewIndex,
			Similarity:   m.Similarity,
			EqualText:    m.EqualText,
			MissingWords: m.MissingWords,
			AddedWords:   m.AddedWords,
		})
	}

	report.Missing = append(report.Missing, similar.Missing...)
	for _, m := range similar.Matches {
		if strings.TrimSpace(m.MissingWords) != "" {
			report.Missing = append(report.Missing, Block{Index: m.OldIndex, Text: m.MissingWords})
		}
	}

	report.Added = append(report.Added, similar.Added...)
	for _, m := range similar.Matches {
		if strings.TrimSpace(m.AddedWords) != "" {
			report.Added = append(report.Added, Block{Index: m.NewIndex, Text: m.AddedWords})
		}
	}

	return report
}

// buildOps flattens the merged buckets into one list ordered by block
// index, preferring the old index so the sequence approximates the original
// reading order.
func buildOps(report *Report, oldBlocks, newBlocks []string) []Op {
	var ops []Op

	for i := range report.Equals {
		eq := &report.Equals[i]
		op := Op{
			Op:       string(EqualExact),
			OldIndex: intPtr(eq.OldIndex),
			NewIndex: intPtr(eq.NewIndex),
		}
		if eq.OldIndex >= 0 && eq.OldIndex < len(oldBlocks) {
			op.TextOld = strPtr(oldBlocks[eq.OldIndex])
		}
		if eq.NewIndex >= 0 && eq.NewIndex < len(newBlocks) {
			op.TextNew = strPtr(newBlocks[eq.NewIndex])
		}
		if eq.Type == EqualSimilar {
			op.Op = string(EqualSimilar)
			sim := eq.Similarity
			op.Similarity = &sim
			op.MissingWords = strPtr(eq.MissingWords)
			op.AddedWords = strPtr(eq.AddedWords)
		}
		ops = append(ops, op)
	}

	for _, m := range report.Missing {
		ops = append(ops, Op{
			Op:       "delete",
			OldIndex: intPtr(m.Index),
			TextOld:  strPtr(m.Text),
		})
	}
	for _, a := range report.Added {
		ops = append(ops, Op{
			Op:       "insert",
			NewIndex: intPtr(a.Index),
			TextNew:  strPtr(a.Text),
		})
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return opSortKey(ops[i]) < opSortKey(ops[j])
	})
	return ops
}

func opSortKey(op Op) int {
	if op.OldIndex != nil {
		return *op.OldIndex
	}
	if op.NewIndex != nil {
		return *op.NewIndex
	}
	return int(^uint(0) >> 1)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
