package parse

import (
	"context"
	"os"
	"strings"
)

// TextParser handles .txt, .log and extension-less files.
type TextParser struct{}

// CanHandle returns true for plain text extensions.
func (t *TextParser) CanHandle(path string) bool {
	return hasExt(path, ".txt", ".log", ".text", "")
}

// Parse returns the file with normalized line endings.
func (t *TextParser) Parse(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Result{Content: normalizeNewlines(string(data))}, nil
}

func normalizeNewlines(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
