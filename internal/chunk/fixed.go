package chunk

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	headingRE   = regexp.MustCompile(`^#{1,6}\s+\S`)
	paragraphRE = regexp.MustCompile(`\n[ \t]*\n`)
	sentenceRE  = regexp.MustCompile(`[^.!?。！？;；]*[.!?。！？;；]+\s*|[^.!?。！？;；]+`)
)

type splitter struct {
	size    int
	overlap int
}

// recursive applies seps in order. Pieces that fit are final; pieces that
// still overflow move on to the next separator, and finally to the
// fixed-size splitter. A literal separator stays on the end of its piece,
// whitespace included.
func (s *splitter) recursive(text string, seps []separator) []string {
	if len(seps) == 0 {
		return s.fixed(text)
	}
	var out []string
	for _, piece := range seps[0].split(text) {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		if runeLen(piece) <= s.size {
			if seps[0].isRegex() {
				piece = strings.TrimSpace(piece)
			} else {
				piece = strings.TrimLeftFunc(piece, unicode.IsSpace)
			}
			out = append(out, piece)
			continue
		}
		out = append(out, s.recursive(piece, seps[1:])...)
	}
	return out
}

// fixed splits on Markdown headings when the body has at least two of them,
// otherwise on paragraphs.
func (s *splitter) fixed(text string) []string {
	sections := markdownSections(text)
	if len(sections) < 2 {
		return s.paragraphs(text)
	}
	var out []string
	for _, sec := range sections {
		if strings.TrimSpace(sec) == "" {
			continue
		}
		if runeLen(sec) <= s.size {
			out = append(out, strings.TrimSpace(sec))
			continue
		}
		out = append(out, s.paragraphs(sec)...)
	}
	return out
}

// markdownSections splits text before every heading line outside fenced code
// blocks. It returns nil when fewer than two headings exist.
func markdownSections(text string) []string {
	lines := strings.SplitAfter(text, "\n")
	var sections []string
	var current strings.Builder
	headings := 0
	inCode := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inCode = !inCode
		}
		if !inCode && headingRE.MatchString(line) {
			headings++
			if current.Len() > 0 {
				sections = append(sections, current.String())
				current.Reset()
			}
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}
	if headings < 2 {
		return nil
	}
	return sections
}

// paragraphs accumulates blank-line separated paragraphs up to the chunk
// size. Oversized paragraphs are fed line by line and oversized lines
// sentence by sentence; a single sentence longer than the chunk size is
// emitted whole.
func (s *splitter) paragraphs(text string) []string {
	acc := &accumulator{size: s.size, overlap: s.overlap}
	for _, para := range paragraphRE.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if runeLen(para) <= s.size {
			acc.add(para, "\n\n")
			continue
		}
		joiner := "\n\n"
		for _, line := range strings.Split(para, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if runeLen(line) <= s.size {
				acc.add(line, joiner)
				joiner = "\n"
				continue
			}
			for _, sentence := range sentenceRE.FindAllString(line, -1) {
				acc.add(sentence, joiner)
				joiner = ""
			}
			joiner = "\n"
		}
	}
	return acc.finish()
}

// accumulator builds fixed-size chunks. When a chunk is emitted its trailing
// overlap is kept as the seed of the next one, provided the emitted chunk was
// at least overlap runes long. A seeded chunk may exceed the size by up to the
// overlap plus one joiner.
type accumulator struct {
	size    int
	overlap int
	buf     string
	seed    string
	out     []string
}

func (a *accumulator) add(unit, joiner string) {
	if a.buf == "" {
		a.buf = unit
		return
	}
	if runeLen(a.buf)+runeLen(joiner)+runeLen(unit) <= a.size {
		a.buf += joiner + unit
		return
	}
	a.emit()
	if a.seed != "" {
		a.buf = a.seed + joiner + unit
		return
	}
	a.buf = unit
}

func (a *accumulator) emit() {
	if strings.TrimSpace(a.buf) == "" {
		a.buf = ""
		return
	}
	a.out = append(a.out, a.buf)
	if runeLen(a.buf) >= a.overlap {
		a.seed = lastRunes(a.buf, a.overlap)
	} else {
		a.seed = ""
	}
	a.buf = ""
}

func (a *accumulator) finish() []string {
	a.emit()
	return a.out
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
