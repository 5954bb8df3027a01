package parse

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkdownParser handles .md and .markdown files.
type MarkdownParser struct{}

// CanHandle returns true for Markdown file extensions.
func (m *MarkdownParser) CanHandle(path string) bool {
	return hasExt(path, ".md", ".markdown")
}

var mdImageRE = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)

// Parse strips YAML front matter, keeping it as metadata, and collects local
// image references as assets.
func (m *MarkdownParser) Parse(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	meta, body := stripFrontMatter(normalizeNewlines(string(data)))
	res := &Result{Content: strings.TrimLeft(body, "\n"), Metadata: meta}
	if meta != nil {
		res.Title = meta["title"]
	}

	seen := make(map[string]bool)
	for _, m := range mdImageRE.FindAllStringSubmatch(res.Content, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		if a, ok := localAsset(path, m[1]); ok {
			res.Assets = append(res.Assets, a)
		}
	}
	return res, nil
}

// stripFrontMatter removes a leading --- delimited YAML block. Scalar values
// are returned as metadata; nested values are rendered with fmt. Front
// matter that does not parse as YAML is still removed.
func stripFrontMatter(content string) (map[string]string, string) {
	if !strings.HasPrefix(content, "---\n") {
		return nil, content
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, content
	}
	fm := rest[:idx]
	body := rest[idx+4:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && strings.TrimSpace(body[:nl]) == "" {
		body = body[nl+1:]
	} else if strings.TrimSpace(body) == "" {
		body = ""
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(fm), &raw); err != nil || len(raw) == 0 {
		return nil, body
	}
	meta := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		meta[k] = fmt.Sprint(v)
	}
	return meta, body
}
