package textdiff

import (
	"math"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity matching defaults: a candidate pair needs at least three
// distinct words on each side and a Jaccard similarity at or above the
// threshold to count as the same block reworded.
const (
	DefaultSimilarityThreshold = 0.80
	DefaultMinWords            = 3
)

// SimilarMatch pairs a missing block with the added block it was judged a
// reworded variant of, split into the equal/missing/added word runs.
type SimilarMatch struct {
	OldIndex     int     `json:"oldIndex"`
	NewIndex     int     `json:"newIndex"`
	Similarity   float64 `json:"similarity"`
	EqualText    string  `json:"equalText"`
	MissingWords string  `json:"missingWords"`
	AddedWords   string  `json:"addedWords"`
}

// SimilarDiff is the outcome of the similarity pass: matched pairs plus the
// blocks that stayed unmatched.
type SimilarDiff struct {
	Matches []SimilarMatch
	Missing []Block
	Added   []Block
}

var edgePunctRe = regexp.MustCompile(`[!?.,;:]+$`)

func normalizeWord(w string) string {
	return strings.TrimSpace(edgePunctRe.ReplaceAllString(strings.ToLower(w), ""))
}

var punctToSpaceRe = regexp.MustCompile(`[!?.,;:]`)

// wordSet tokenizes a block into its set of distinct normalized words.
func wordSet(text string) map[string]struct{} {
	lowered := punctToSpaceRe.ReplaceAllString(strings.ToLower(text), " ")
	set := make(map[string]struct{})
	for _, w := range strings.Fields(lowered) {
		if norm := normalizeWord(w); norm != "" {
			set[norm] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// MatchSimilar pairs leftover missing blocks with their best still-unused
// added block by word-set Jaccard similarity. A pair is accepted when the
// similarity reaches threshold; ties keep the first candidate encountered in
// added-list order. Accepted pairs are word-diffed to split their text into
// equal, missing, and added runs.
func MatchSimilar(missing, added []Block, threshold float64, minWords int) SimilarDiff {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}

	usedAdded := make(map[int]bool)
	matchedOld := make(map[int]bool)
	var matches []SimilarMatch

	for _, m := range missing {
		setA := wordSet(m.Text)
		if len(setA) < minWords {
			continue
		}

		var best *Block
		bestSim := 0.0
		for i := range added {
			a := added[i]
			if usedAdded[a.Index] {
				continue
			}
			setB := wordSet(a.Text)
			if len(setB) < minWords {
				continue
			}
			if sim := jaccard(setA, setB); sim > bestSim {
				bestSim = sim
				best = &added[i]
			}
		}

		if best == nil || bestSim < threshold {
			continue
		}

		usedAdded[best.Index] = true
		matchedOld[m.Index] = true

		equalText, missingWords, addedWords := diffWords(m.Text, best.Text)
		matches = append(matches, SimilarMatch{
			OldIndex:     m.Index,
			NewIndex:     best.Index,
			Similarity:   math.Round(bestSim*10000) / 10000,
			EqualText:    equalText,
			MissingWords: missingWords,
			AddedWords:   addedWords,
		})
	}

	diff := SimilarDiff{Matches: matches}
	for _, m := range missing {
		if !matchedOld[m.Index] {
			diff.Missing = append(diff.Missing, m)
		}
	}
	for _, a := range added {
		if !usedAdded[a.Index] {
			diff.Added = append(diff.Added, a)
		}
	}
	return diff
}

var diffPunctRe = regexp.MustCompile(`([!?.,;:])`)

// normalizeForDiff pads punctuation with spaces so "word?" and "word ?"
// tokenize identically.
func normalizeForDiff(s string) string {
	return collapseWhitespace(diffPunctRe.ReplaceAllString(s, " $1 "))
}

// diffWords runs a word-level diff between two texts by mapping
// space-separated tokens onto lines and applying a line-mode diff. It
// returns the joined equal, deleted, and inserted word runs.
func diffWords(oldText, newText string) (equal, missing, added string) {
	joinedOld := strings.Join(strings.Fields(normalizeForDiff(oldText)), "\n")
	joinedNew := strings.Join(strings.Fields(normalizeForDiff(newText)), "\n")

	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(joinedOld, joinedNew)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var equalParts, missingParts, addedParts []string
	for _, d := range diffs {
		text := collapseWhitespace(strings.ReplaceAll(d.Text, "\n", " "))
		if text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			equalParts = append(equalParts, text)
		case diffmatchpatch.DiffDelete:
			missingParts = append(missingParts, text)
		case diffmatchpatch.DiffInsert:
			addedParts = append(addedParts, text)
		}
	}

	return strings.Join(equalParts, " "), strings.Join(missingParts, " "), strings.Join(addedParts, " ")
}
