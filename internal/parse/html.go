package parse

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLParser handles .html and .htm files, rendering block elements as
// Markdown.
type HTMLParser struct{}

// CanHandle returns true for HTML file extensions.
func (h *HTMLParser) CanHandle(path string) bool {
	return hasExt(path, ".html", ".htm", ".xhtml")
}

const htmlBlocks = "h1,h2,h3,h4,h5,h6,p,li,pre,blockquote,tr,img,dt,dd,figcaption"

// Parse extracts the main content. <main> or <article> is preferred over
// the whole body; scripts, styles and navigation are dropped.
func (h *HTMLParser) Parse(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading html: %w", err)
	}
	doc.Find("script, style, noscript, template, nav, header > nav, iframe").Remove()

	res := &Result{Title: collapse(doc.Find("title").First().Text())}

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var lines []string
	root.Find(htmlBlocks).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are rendered by their outermost block.
		if s.ParentsFiltered(htmlBlocks).Length() > 0 && !s.Is("img") {
			return
		}
		if line := renderBlock(path, s, res); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		if text := collapse(root.Text()); text != "" {
			lines = append(lines, text)
		}
	}
	res.Content = strings.Join(lines, "\n\n")
	return res, nil
}

func renderBlock(docPath string, s *goquery.Selection, res *Result) string {
	tag := goquery.NodeName(s)
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := collapse(s.Text())
		if text == "" {
			return ""
		}
		return strings.Repeat("#", int(tag[1]-'0')) + " " + text
	case "li":
		if text := collapse(s.Text()); text != "" {
			return "- " + text
		}
	case "pre":
		if text := strings.TrimRight(s.Text(), "\n"); strings.TrimSpace(text) != "" {
			return "```\n" + text + "\n```"
		}
	case "blockquote":
		if text := collapse(s.Text()); text != "" {
			return "> " + text
		}
	case "tr":
		var cells []string
		s.Find("th, td").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, collapse(c.Text()))
		})
		return strings.TrimSpace(strings.Join(cells, "\t"))
	case "img":
		src, _ := s.Attr("src")
		alt, _ := s.Attr("alt")
		if strings.TrimSpace(src) == "" {
			return ""
		}
		if a, ok := localAsset(docPath, src); ok {
			res.Assets = append(res.Assets, a)
		}
		return fmt.Sprintf("![%s](%s)", collapse(alt), strings.TrimSpace(src))
	default:
		return collapse(s.Text())
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
