package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// StructuredParser handles .json, .yaml and .yml files. Values are
// flattened to "dotted.key: value" lines; array elements and YAML documents
// are separated by blank lines.
type StructuredParser struct{}

// CanHandle returns true for JSON and YAML file extensions.
func (s *StructuredParser) CanHandle(path string) bool {
	return hasExt(path, ".json", ".yaml", ".yml")
}

func (s *StructuredParser) Parse(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &Result{}, nil
	}

	var docs []any
	if hasExt(path, ".json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		docs = append(docs, v)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var v any
			if err := dec.Decode(&v); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("invalid YAML (document %d): %w", len(docs)+1, err)
			}
			if v != nil {
				docs = append(docs, v)
			}
		}
	}

	var blocks []string
	for _, d := range docs {
		// A top-level array is rendered one element per block.
		if arr, ok := d.([]any); ok {
			for i, elem := range arr {
				if b := flattenBlock(fmt.Sprintf("[%d]", i), elem); b != "" {
					blocks = append(blocks, b)
				}
			}
			continue
		}
		if b := flattenBlock("", d); b != "" {
			blocks = append(blocks, b)
		}
	}
	return &Result{Content: strings.Join(blocks, "\n\n")}, nil
}

func flattenBlock(prefix string, v any) string {
	var lines []string
	flatten(prefix, v, &lines)
	return strings.Join(lines, "\n")
}

func flatten(prefix string, v any, lines *[]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(joinKey(prefix, k), val[k], lines)
		}
	case []any:
		for i, elem := range val {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), elem, lines)
		}
	case nil:
	default:
		s := strings.TrimSpace(fmt.Sprint(val))
		if s == "" {
			return
		}
		if prefix == "" {
			*lines = append(*lines, s)
			return
		}
		*lines = append(*lines, prefix+": "+s)
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
