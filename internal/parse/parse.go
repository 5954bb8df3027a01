// Package parse turns source documents into plain Markdown-ish text for
// chunking. Each format has its own Parser; a Registry picks one by file
// extension.
package parse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMaxFileSize is 10MB.
const DefaultMaxFileSize = 10 * 1024 * 1024

// ErrUnsupported is returned for files no parser accepts.
var ErrUnsupported = errors.New("unsupported file type")

// Asset is a local file referenced by a document, such as an embedded image.
type Asset struct {
	Ref  string // reference exactly as written in the content
	Path string // absolute path on disk
}

// Result is a parsed document.
type Result struct {
	Content           string
	SavedMarkdownPath string            // set by parsers that write their own copy
	Title             string            // from front matter or <title>, when present
	Metadata          map[string]string // front matter and similar key/value data
	Assets            []Asset
}

// Parser handles a specific file format.
type Parser interface {
	// CanHandle returns true if this parser supports the given file path.
	CanHandle(path string) bool

	// Parse reads the file and returns its text.
	Parse(ctx context.Context, path string) (*Result, error)
}

// ParseError records why a document could not be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Registry dispatches to the first parser that handles a path.
type Registry struct {
	parsers     []Parser
	MaxFileSize int64
}

// NewRegistry returns a registry with every built-in parser.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []Parser{
			&MarkdownParser{},
			&HTMLParser{},
			&TabularParser{},
			&SpreadsheetParser{},
			&StructuredParser{},
			&TextParser{},
		},
		MaxFileSize: DefaultMaxFileSize,
	}
}

// Register adds p ahead of the built-in parsers.
func (r *Registry) Register(p Parser) {
	r.parsers = append([]Parser{p}, r.parsers...)
}

// Supports reports whether some parser handles path.
func (r *Registry) Supports(path string) bool {
	return r.parserFor(path) != nil
}

func (r *Registry) parserFor(path string) Parser {
	for _, p := range r.parsers {
		if p.CanHandle(path) {
			return p
		}
	}
	return nil
}

// Parse parses path with the matching parser. Every failure, including
// empty output, is returned as *ParseError.
func (r *Registry) Parse(ctx context.Context, path string) (*Result, error) {
	p := r.parserFor(path)
	if p == nil {
		return nil, &ParseError{Path: path, Err: ErrUnsupported}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &ParseError{Path: path, Err: errors.New("is a directory")}
	}
	if r.MaxFileSize > 0 && info.Size() > r.MaxFileSize {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("file too large (%d bytes, limit %d)", info.Size(), r.MaxFileSize)}
	}

	res, err := p.Parse(ctx, path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if res == nil || strings.TrimSpace(res.Content) == "" {
		return nil, &ParseError{Path: path, Err: errors.New("no text content")}
	}
	return res, nil
}

// Collect expands paths into the supported files they contain. Directories
// are walked when recursive is set, otherwise only their direct entries are
// used. Hidden files and directories are skipped. The result is sorted and
// free of duplicates.
func (r *Registry) Collect(paths []string, recursive bool) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if !seen[abs] && r.Supports(abs) {
			seen[abs] = true
			out = append(out, abs)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			hidden := strings.HasPrefix(d.Name(), ".") && path != root
			if d.IsDir() {
				if path != root && (hidden || !recursive) {
					return filepath.SkipDir
				}
				return nil
			}
			if !hidden {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// localAsset resolves a relative reference against the document directory.
// Remote, absolute-URL and missing references are ignored.
func localAsset(docPath, ref string) (Asset, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.Contains(ref, "://") || strings.HasPrefix(ref, "data:") ||
		strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "#") {
		return Asset{}, false
	}
	clean := ref
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	abs, err := filepath.Abs(filepath.Join(filepath.Dir(docPath), filepath.FromSlash(clean)))
	if err != nil {
		return Asset{}, false
	}
	if info, err := os.Stat(abs); err != nil || info.IsDir() {
		return Asset{}, false
	}
	return Asset{Ref: ref, Path: abs}, true
}
