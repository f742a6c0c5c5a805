package textdiff

import "strings"

// Parity is the word-level content-parity summary of a comparison.
type Parity struct {
	Score       float64           `json:"score"`
	Percentages ParityPercentages `json:"percentages"`
	Counts      ParityCounts      `json:"counts"`
}

// ParityPercentages expresses each bucket as a fraction of total words.
type ParityPercentages struct {
	Equal   float64 `json:"equal"`
	Missing float64 `json:"missing"`
	Added   float64 `json:"added"`
}

// ParityCounts carries the raw word counts behind the percentages.
type ParityCounts struct {
	TotalWords   int `json:"totalWords"`
	EqualWords   int `json:"equalWords"`
	MissingWords int `json:"missingWords"`
	AddedWords   int `json:"addedWords"`
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

// ComputeParity scores the merged diff against the larger of the two sides'
// word counts. Two empty pages are a perfect match.
func ComputeParity(equals []Equal, missing, added []Block, oldWordCount, newWordCount int) Parity {
	totalWords := oldWordCount
	if newWordCount > totalWords {
		totalWords = newWordCount
	}

	if totalWords == 0 {
		return Parity{
			Score:       1,
			Percentages: ParityPercentages{Equal: 1},
		}
	}

	equalWords := 0
	for _, e := range equals {
		switch e.Type {
		case EqualExact:
			equalWords += countWords(e.Text)
		case EqualSimilar:
			equalWords += countWords(e.EqualText)
		}
	}

	missingWords := 0
	for _, m := range missing {
		missingWords += countWords(m.Text)
	}
	addedWords := 0
	for _, a := range added {
		addedWords += countWords(a.Text)
	}

	total := float64(totalWords)
	return Parity{
		Score: float64(equalWords) / total,
		Percentages: ParityPercentages{
			Equal:   float64(equalWords) / total,
			Missing: float64(missingWords) / total,
			Added:   float64(addedWords) / total,
		},
		Counts: ParityCounts{
			TotalWords:   totalWords,
			EqualWords:   equalWords,
			MissingWords: missingWords,
			AddedWords:   addedWords,
		},
	}
}
