package tokenizer

import (
	"unicode"
)

// DefaultEncodingName is used for any model not present in the encoding map.
const DefaultEncodingName = "cl100k-like"

// Encoder produces an approximate token count for arbitrary text using a
// greedy byte-pair-merge pass over a small, hand-seeded merge-rank table
// rather than a real provider vocabulary.
//
// No Go package in the retrieval pack implements a BPE/tiktoken-style
// encoder (cl100k_base and friends ship only as Python/Rust packages with
// large binary-encoded merge tables), so this is implemented against the
// standard library. The goal here is a stable, monotonic estimate good
// enough for context-window budgeting, not a byte-exact match to any
// specific provider's token ids.
type Encoder struct {
	name   string
	merges map[[2]string]int
}

// commonMerges seeds a small set of frequent English letter-pair and
// punctuation merges so the estimator undercounts short common words
// similarly to how a real subword tokenizer would, instead of counting
// one token per rune.
var commonMerges = []string{
	"th", "he", "in", "er", "an", "re", "on", "at", "en", "nd",
	"ti", "es", "or", "te", "of", "ed", "is", "it", "al", "ar",
	"st", "to", "nt", "ng", "se", "ha", "as", "ou", "io", "le",
	"ve", "co", "me", "de", "hi", "ri", "ro", "ic", "ne", "ea",
}

// NewEncoder builds an Encoder for the given encoding name. Unknown names
// fall back to the same merge table as DefaultEncodingName; the name is
// retained only to let callers route distinct models through distinct
// cached Encoder instances.
func NewEncoder(name string) *Encoder {
	merges := make(map[[2]string]int, len(commonMerges))
	for rank, pair := range commonMerges {
		merges[[2]string{string(pair[0]), string(pair[1])}] = rank
	}
	return &Encoder{name: name, merges: merges}
}

// Count returns the estimated token count of text. Whitespace runs and
// punctuation are split into their own tokens; alphanumeric words are
// merged greedily using the seeded pair table before falling back to
// one token per remaining symbol.
func (e *Encoder) Count(text string) int {
	if text == "" {
		return 0
	}

	total := 0
	for _, word := range splitWords(text) {
		total += e.countWord(word)
	}
	return total
}

// splitWords breaks text into maximal runs of letters/digits; every other
// rune, whitespace included, becomes a one-rune word of its own (a leading
// space is not attached to the following word, and nothing is merged across
// symbol classes).
func splitWords(text string) []string {
	var words []string
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			words = append(words, string(r))
			i++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
				j++
			}
			words = append(words, string(runes[i:j]))
			i = j
		default:
			words = append(words, string(r))
			i++
		}
	}
	return words
}

// countWord greedily merges adjacent single-rune symbols into pairs found
// in the merge table, repeating until no further merge applies, and
// returns the resulting symbol count as the token count for word.
func (e *Encoder) countWord(word string) int {
	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}

	for len(symbols) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := e.merges[[2]string{symbols[i], symbols[i+1]}]; ok {
				if bestRank == -1 || rank < bestRank {
					bestRank = rank
					bestIdx = i
				}
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx], append([]string{merged}, symbols[bestIdx+2:]...)...)
	}

	return len(symbols)
}
