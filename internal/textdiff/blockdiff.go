package textdiff

import "strings"

// Block is one extracted text fragment with its position in the source
// block list.
type Block struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// BlockMatch pairs an old block with the new block it exactly matched.
type BlockMatch struct {
	OldIndex int    `json:"oldIndex"`
	NewIndex int    `json:"newIndex"`
	Text     string `json:"text"`
}

// ExactDiff is the result of the strict block-level comparison.
type ExactDiff struct {
	Equals  []BlockMatch
	Missing []Block
	Added   []Block
}

// normalizeBlock prepares a block for strict matching: trimmed, whitespace
// collapsed, lower-cased.
func normalizeBlock(text string) string {
	return strings.ToLower(collapseWhitespace(text))
}

// DiffBlocks compares the old and new block lists with strict normalized
// equality. Old blocks are walked in order; each consumes the earliest
// unconsumed identical block on the new side, so duplicates pair up FIFO.
// Old blocks with no counterpart become Missing, unconsumed new blocks
// become Added.
func DiffBlocks(oldBlocks, newBlocks []string) ExactDiff {
	// normalized text -> queue of indices in newBlocks
	newIndex := make(map[string][]int)
	for i, raw := range newBlocks {
		norm := normalizeBlock(raw)
		if norm == "" {
			continue
		}
		newIndex[norm] = append(newIndex[norm], i)
	}

	var diff ExactDiff
	for i, raw := range oldBlocks {
		norm := normalizeBlock(raw)
		if norm == "" {
			continue
		}
		bucket := newIndex[norm]
		if len(bucket) > 0 {
			diff.Equals = append(diff.Equals, BlockMatch{OldIndex: i, NewIndex: bucket[0], Text: raw})
			newIndex[norm] = bucket[1:]
			continue
		}
		diff.Missing = append(diff.Missing, Block{Index: i, Text: raw})
	}

	// Walk new blocks in order so Added stays sorted by index.
	for i, raw := range newBlocks {
		norm := normalizeBlock(raw)
		if norm == "" {
			continue
		}
		bucket := newIndex[norm]
		if len(bucket) > 0 && bucket[0] == i {
			diff.Added = append(diff.Added, Block{Index: i, Text: raw})
			newIndex[norm] = bucket[1:]
		}
	}

	return diff
}
