// Package textutil holds the text helpers shared by the chunker, the store and
// the search engine: full-text tokenization, keyword extraction and abstracts.
//
// Tokenization is deliberately simple and fully local. Latin-script text is
// split on non letter/digit boundaries; Han, Hiragana, Katakana and Hangul
// runs are emitted as single runes plus overlapping bigrams so that FTS5 can
// match CJK phrases without a dictionary segmenter.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC and Unicode case folding.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(text))
}

// Tokenize splits text into normalized search tokens.
func Tokenize(text string) []string {
	text = Normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var tokens []string
	var word []rune
	var cjk []rune

	flushWord := func() {
		if len(word) > 0 {
			tokens = append(tokens, string(word))
			word = word[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 0 {
			return
		}
		for i, r := range cjk {
			tokens = append(tokens, string(r))
			if i+1 < len(cjk) {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}

// TokenString returns the space-joined token stream stored in the tokens column.
func TokenString(text string) string {
	return strings.Join(Tokenize(text), " ")
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
