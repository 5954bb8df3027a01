package chunk

import (
	"path/filepath"
	"regexp"
	"strings"
)

// autoDetectMinMatches is the number of matches a structural pattern must
// exceed before it is adopted as a separator.
const autoDetectMinMatches = 3

// structuralPatterns are tried, in order, when a document has no configured
// separators.
var structuralPatterns = []*regexp.Regexp{
	// 第一章 / 第3节 / 第十篇
	regexp.MustCompile(`(?m)^[ \t]*第[一二三四五六七八九十百千零〇两\d]+[章节篇部回卷]`),
	// 第十二条
	regexp.MustCompile(`(?m)^[ \t]*第[一二三四五六七八九十百千零〇两\d]+条`),
	// Chapter 4 / Section IV / Article 12 / Part 2
	regexp.MustCompile(`(?mi)^[ \t]*(?:chapter|section|article|part)[ \t]+[\dIVXLC]+\b`),
	// 一、 二、
	regexp.MustCompile(`(?m)^[ \t]*[一二三四五六七八九十]+[、．]`),
	// （一） (2)
	regexp.MustCompile(`(?m)^[ \t]*[（(][一二三四五六七八九十\d]+[)）]`),
	// 1. 2、 3)
	regexp.MustCompile(`(?m)^[ \t]*\d+[.、．)][ \t]`),
	// Slide 3 / Page 4 / 幻灯片 5
	regexp.MustCompile(`(?mi)^[ \t]*(?:slide|page|幻灯片)[ \t]*\d+`),
}

// tabularTypes default to one row per split.
var tabularTypes = map[string]bool{
	".csv":  true,
	".tsv":  true,
	".xlsx": true,
	".xls":  true,
}

// separator is either a literal string or a regular expression marking the
// start of a new piece.
type separator struct {
	literal string
	re      *regexp.Regexp
}

func (s separator) isRegex() bool {
	return s.re != nil
}

// split cuts text on the separator. Literal separators stay attached to the
// end of the preceding piece; regex matches start the following piece, so no
// text is lost either way.
func (s separator) split(text string) []string {
	if !s.isRegex() {
		if s.literal == "" {
			return []string{text}
		}
		return strings.SplitAfter(text, s.literal)
	}

	locs := s.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	pieces := make([]string, 0, len(locs)+1)
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			pieces = append(pieces, text[prev:loc[0]])
		}
		prev = loc[0]
	}
	pieces = append(pieces, text[prev:])
	return pieces
}

// parseSeparators turns configured rules into separators. Rules written as
// /pattern/ are regular expressions; invalid patterns fall back to literals.
// Literal rules understand the \n and \t escapes.
func parseSeparators(rules []string) []separator {
	var seps []separator
	for _, rule := range rules {
		if rule == "" {
			continue
		}
		if len(rule) > 2 && strings.HasPrefix(rule, "/") && strings.HasSuffix(rule, "/") {
			pattern := rule[1 : len(rule)-1]
			if re, err := regexp.Compile("(?m)" + pattern); err == nil {
				seps = append(seps, separator{re: re})
				continue
			}
		}
		lit := strings.NewReplacer(`\n`, "\n", `\t`, "\t").Replace(rule)
		seps = append(seps, separator{literal: lit})
	}
	return seps
}

// detectSeparators picks separators for a document without configured ones.
func detectSeparators(text, fileType string) []separator {
	ext := strings.ToLower(fileType)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = filepath.Ext("x." + ext)
	}
	if tabularTypes[ext] {
		return []separator{{literal: "\n"}}
	}

	var seps []separator
	for _, re := range structuralPatterns {
		if len(re.FindAllStringIndex(text, autoDetectMinMatches+1)) > autoDetectMinMatches {
			seps = append(seps, separator{re: re})
		}
	}
	return seps
}
