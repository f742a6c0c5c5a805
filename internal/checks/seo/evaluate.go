package seo

import "math"

// Verdict is the per-rule comparison outcome.
type Verdict string

// Verdicts, derived from the old/new pass flags and the rule's polarity.
const (
	VerdictNeutral    Verdict = "neutral"
	VerdictEqual      Verdict = "equal"
	VerdictImproved   Verdict = "improved"
	VerdictRegression Verdict = "regression"
)

// Result is one rule's outcome for a page pair.
type Result struct {
	ID               string  `json:"id"`
	Topic            string  `json:"topic"`
	Label            string  `json:"label"`
	Weight           float64 `json:"weight"`
	NormalizedWeight float64 `json:"normalizedWeight"`
	Preferred        bool    `json:"preferred"`
	Neutral          bool    `json:"neutral,omitempty"`
	OldValue         string  `json:"oldValue"`
	NewValue         string  `json:"newValue"`
	PassOld          bool    `json:"passOld"`
	PassNew          bool    `json:"passNew"`
	OldCorrect       bool    `json:"oldCorrect"`
	NewCorrect       bool    `json:"newCorrect"`
	Verdict          Verdict `json:"verdict"`
}

// Report is the full SEO comparison of a page pair.
type Report struct {
	Old     Page     `json:"old"`
	New     Page     `json:"new"`
	Results []Result `json:"results"`
	// GlobalScore sums the normalized weights of non-neutral rules the new
	// side gets right, so a fully correct migrated page scores 1.
	GlobalScore float64 `json:"globalScore"`
	Improved    int     `json:"improved"`
	Regressions int     `json:"regressions"`
}

// Evaluate runs every registered rule over a page pair.
func Evaluate(oldPage, newPage Page) Report {
	return evaluate(oldPage, newPage, Rules())
}

func evaluate(oldPage, newPage Page, rules []Rule) Report {
	report := Report{Old: oldPage, New: newPage}

	results := make([]Result, 0, len(rules))
	var activeWeight float64
	for _, rule := range rules {
		out := rule.Run(oldPage, newPage)
		result := Result{
			ID:        rule.ID,
			Topic:     rule.Topic,
			Label:     rule.Label,
			Weight:    rule.Weight,
			Preferred: rule.Preferred,
			Neutral:   out.Neutral,
			OldValue:  out.OldValue,
			NewValue:  out.NewValue,
			PassOld:   out.PassOld,
			PassNew:   out.PassNew,
		}
		result.OldCorrect = out.PassOld == rule.Preferred
		result.NewCorrect = out.PassNew == rule.Preferred
		result.Verdict = deriveVerdict(result)
		if !result.Neutral {
			activeWeight += rule.Weight
		}
		results = append(results, result)
	}

	var score float64
	for i := range results {
		result := &results[i]
		if result.Neutral || activeWeight == 0 {
			continue
		}
		result.NormalizedWeight = result.Weight / activeWeight
		if result.NewCorrect {
			score += result.NormalizedWeight
		}
		switch result.Verdict {
		case VerdictImproved:
			report.Improved++
		case VerdictRegression:
			report.Regressions++
		}
	}

	report.Results = results
	report.GlobalScore = math.Round(score*10000) / 10000
	return report
}

func deriveVerdict(r Result) Verdict {
	switch {
	case r.Neutral:
		return VerdictNeutral
	case r.OldCorrect && r.NewCorrect:
		return VerdictEqual
	case !r.OldCorrect && r.NewCorrect:
		return VerdictImproved
	default:
		return VerdictRegression
	}
}
