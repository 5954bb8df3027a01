package textutil

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultAbstractLength is the number of runes kept by Abstract.
const DefaultAbstractLength = 200

// DefaultKeywordCount is the number of keywords kept by ExtractKeywords.
const DefaultKeywordCount = 10

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "if": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "our": {},
	"she": {}, "so": {}, "that": {}, "the": {}, "their": {}, "them": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "what": {},
	"when": {}, "which": {}, "who": {}, "will": {}, "with": {}, "you": {}, "your": {}, "can": {},
	"not": {}, "no": {}, "do": {}, "does": {}, "did": {}, "been": {}, "than": {}, "also": {},
	"的": {}, "了": {}, "和": {}, "是": {}, "在": {}, "我": {}, "有": {}, "就": {}, "不": {},
	"人": {}, "都": {}, "一": {}, "上": {}, "也": {}, "很": {}, "到": {}, "说": {}, "要": {},
	"去": {}, "你": {}, "会": {}, "着": {}, "这": {}, "那": {}, "与": {}, "及": {}, "等": {},
}

// Abstract returns the first n runes of text with whitespace collapsed.
func Abstract(text string, n int) string {
	if n <= 0 {
		n = DefaultAbstractLength
	}
	collapsed := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(collapsed) <= n {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:n])
}

// keywordTerms returns the candidate keyword terms of text. CJK single-rune
// tokens are dropped in favour of their bigrams.
func keywordTerms(text string) []string {
	raw := Tokenize(text)
	terms := raw[:0]
	for _, tok := range raw {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		r, size := utf8.DecodeRuneInString(tok)
		if size == len(tok) && (isCJK(r) || len(tok) < 2) {
			continue
		}
		if isNumeric(tok) {
			continue
		}
		terms = append(terms, tok)
	}
	return terms
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExtractKeywords ranks the terms of doc by TF-IDF against corpus and returns
// the top n. The corpus should include doc itself; an empty corpus degrades to
// plain term frequency. Ties keep first-occurrence order.
func ExtractKeywords(doc string, corpus []string, n int) []string {
	if n <= 0 {
		n = DefaultKeywordCount
	}
	terms := keywordTerms(doc)
	if len(terms) == 0 {
		return nil
	}

	tf := make(map[string]float64, len(terms))
	var order []string
	for _, t := range terms {
		if _, seen := tf[t]; !seen {
			order = append(order, t)
		}
		tf[t]++
	}

	df := make(map[string]int, len(tf))
	for _, other := range corpus {
		seen := make(map[string]struct{})
		for _, t := range keywordTerms(other) {
			if _, ok := tf[t]; !ok {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			df[t]++
		}
	}

	total := float64(len(terms))
	docs := float64(len(corpus))
	type scored struct {
		term  string
		score float64
	}
	ranked := make([]scored, 0, len(order))
	for _, t := range order {
		idf := 1.0
		if docs > 0 {
			idf = math.Log((docs+1)/(float64(df[t])+1)) + 1
		}
		ranked = append(ranked, scored{term: t, score: tf[t] / total * idf})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.term
	}
	return out
}

// QueryKeywords extracts de-duplicated keyword terms from a search query in
// query order.
func QueryKeywords(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range keywordTerms(query) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
