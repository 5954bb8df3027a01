// Package chunk splits parsed document bodies into bounded, overlap-aware
// slices for embedding and retrieval.
//
// Splitting prefers structure over size: configured (or auto-detected)
// separators are applied recursively first, Markdown headings next, and only
// then paragraph/line accumulation with a trailing overlap carried into the
// following chunk. Each final chunk carries a positional tag recording the
// document name, chunk index and the character span of its first occurrence
// in the source text.
package chunk

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is used when the configured size is below MinChunkSize.
	DefaultChunkSize = 1000

	// DefaultOverlapSize is used when no overlap is configured.
	DefaultOverlapSize = 100

	// MinChunkSize is the smallest accepted chunk size.
	MinChunkSize = 100
)

// Options controls a single chunking run.
type Options struct {
	DocName     string   // used in the positional tag
	FileType    string   // file extension of the source (".csv", ".md", ...)
	Separators  []string // literal separators or /regex/ rules, applied in order
	ChunkSize   int      // max runes per chunk
	OverlapSize int      // runes carried from one fixed-size chunk into the next
}

// normalized applies the size defaults.
func (o Options) normalized() Options {
	if o.ChunkSize < MinChunkSize {
		o.ChunkSize = DefaultChunkSize
	}
	if o.OverlapSize <= 0 {
		o.OverlapSize = DefaultOverlapSize
	}
	if o.OverlapSize >= o.ChunkSize {
		o.OverlapSize = o.ChunkSize / 4
	}
	return o
}

// Piece is one final chunk.
type Piece struct {
	Index int    // position in the chunk sequence (0-based)
	Body  string // chunk text without the positional tag
	Start int    // rune offset of the first occurrence in the source, -1 if not found
	End   int    // exclusive rune offset, -1 if not found
}

// Tag returns the positional tag for the piece.
func (p Piece) Tag(docName string) string {
	return fmt.Sprintf("[%s]#%d POS[%d-%d]", docName, p.Index, p.Start, p.End)
}

// Text returns the tagged chunk text that is embedded and stored.
func (p Piece) Text(docName string) string {
	return p.Tag(docName) + "\n" + p.Body
}

var tagRE = regexp.MustCompile(`^\[[^\n]*\]#\d+ POS\[-?\d+--?\d+\]\n`)

// StripTag removes a leading positional tag, if present.
func StripTag(text string) string {
	if loc := tagRE.FindStringIndex(text); loc != nil {
		return text[loc[1]:]
	}
	return text
}

// ParseTag extracts the chunk index and span from a tagged chunk.
func ParseTag(text string) (index, start, end int, ok bool) {
	loc := tagRE.FindString(text)
	if loc == "" {
		return 0, 0, 0, false
	}
	hash := strings.LastIndex(loc, "]#")
	pos := strings.LastIndex(loc, " POS[")
	if hash < 0 || pos < 0 {
		return 0, 0, 0, false
	}
	idx, err := strconv.Atoi(loc[hash+2 : pos])
	if err != nil {
		return 0, 0, 0, false
	}
	span := strings.TrimSuffix(strings.TrimSpace(loc[pos+5:]), "]")
	sep := strings.Index(span[1:], "-") + 1
	s, err1 := strconv.Atoi(span[:sep])
	e, err2 := strconv.Atoi(span[sep+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, 0, false
	}
	return idx, s, e, true
}

// Split returns the chunk bodies of text in order, without positional tags.
// Empty or whitespace-only input yields nil.
func Split(text string, opts Options) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	opts = opts.normalized()

	seps := parseSeparators(opts.Separators)
	if len(seps) == 0 {
		seps = detectSeparators(text, opts.FileType)
	}

	sp := &splitter{size: opts.ChunkSize, overlap: opts.OverlapSize}
	var out []string
	for _, c := range sp.recursive(text, seps) {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// Chunk splits text and locates every chunk in the source.
func Chunk(text string, opts Options) []Piece {
	bodies := Split(text, opts)
	if len(bodies) == 0 {
		return nil
	}
	pieces := make([]Piece, len(bodies))
	for i, body := range bodies {
		start, end := locate(text, body)
		pieces[i] = Piece{Index: i, Body: body, Start: start, End: end}
	}
	return pieces
}

// locate returns the rune span of the first occurrence of body in text. When
// the exact body is absent (separator re-joining changed whitespace) the first
// line is used as an anchor.
func locate(text, body string) (int, int) {
	length := utf8.RuneCountInString(body)
	if idx := strings.Index(text, body); idx >= 0 {
		start := utf8.RuneCountInString(text[:idx])
		return start, start + length
	}
	anchor := strings.TrimSpace(body)
	if nl := strings.IndexByte(anchor, '\n'); nl > 0 {
		anchor = anchor[:nl]
	}
	if anchor == "" {
		return -1, -1
	}
	if idx := strings.Index(text, anchor); idx >= 0 {
		start := utf8.RuneCountInString(text[:idx])
		return start, start + length
	}
	return -1, -1
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
