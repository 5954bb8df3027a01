package search

import (
	"strings"
	"unicode/utf8"

	"github.com/hurttlocker/kbrag/internal/store"
)

// Keyword score components.
const (
	coverageWeight  = 0.7
	frequencyWeight = 0.2
	positionWeight  = 0.1

	// expectedOccurrences is the per-keyword count at which the frequency
	// component saturates.
	expectedOccurrences = 5
)

// EffectiveWeights returns the vector and keyword weights used for kb. The
// search strategy zeroes the unused signal, each weight is clamped to [0,1]
// and the pair is rescaled to sum to one. ok is false when both are zero.
func EffectiveWeights(kb *store.KnowledgeBase) (vector, keyword float64, ok bool) {
	vector, keyword = kb.VectorWeight, kb.KeywordWeight
	switch kb.SearchStrategy {
	case store.StrategyVector:
		keyword = 0
	case store.StrategyKeyword:
		vector = 0
	}
	return NormalizeWeights(vector, keyword)
}

// NormalizeWeights clamps v and k to [0,1] and rescales them to sum to one.
func NormalizeWeights(v, k float64) (float64, float64, bool) {
	v, k = clamp01(v), clamp01(k)
	sum := v + k
	if sum == 0 {
		return 0, 0, false
	}
	return v / sum, k / sum, true
}

func clamp01(x float64) float64 {
	switch {
	case x < 0 || x != x:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// KeywordScore rates how well text matches keywords, in [0,1]:
// 70% the fraction of keywords present, 20% total occurrences against a
// ceiling of five per keyword, 10% how early matched keywords first appear.
// Keywords are expected lower-cased; matching is case-insensitive.
func KeywordScore(text string, keywords []string) float64 {
	if len(keywords) == 0 || text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	length := utf8.RuneCountInString(lower)

	matched, occurrences := 0, 0
	position := 0.0
	for _, kw := range keywords {
		idx := strings.Index(lower, kw)
		if idx < 0 {
			continue
		}
		matched++
		occurrences += strings.Count(lower, kw)
		first := utf8.RuneCountInString(lower[:idx])
		position += 1 - float64(first)/float64(length)
	}
	if matched == 0 {
		return 0
	}

	n := float64(len(keywords))
	coverage := float64(matched) / n
	frequency := float64(occurrences) / (expectedOccurrences * n)
	if frequency > 1 {
		frequency = 1
	}
	position /= float64(matched)
	return coverageWeight*coverage + frequencyWeight*frequency + positionWeight*position
}
