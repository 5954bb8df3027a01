package parse

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	cases := map[string]bool{
		"a.txt":     true,
		"a.LOG":     true,
		"README":    true,
		"a.md":      true,
		"a.html":    true,
		"a.htm":     true,
		"a.csv":     true,
		"a.tsv":     true,
		"a.xlsx":    true,
		"a.json":    true,
		"a.yml":     true,
		"a.pdf":     false,
		"image.png": false,
	}
	for path, want := range cases {
		assert.Equal(t, want, r.Supports(path), path)
	}
}

func TestRegistry_Errors(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	ctx := context.Background()

	_, err := r.Parse(ctx, filepath.Join(dir, "x.pdf"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = r.Parse(ctx, filepath.Join(dir, "missing.txt"))
	require.ErrorAs(t, err, &pe)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	empty := writeFile(t, dir, "empty.txt", "  \n\t\n")
	_, err = r.Parse(ctx, empty)
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "no text content")

	big := writeFile(t, dir, "big.txt", strings.Repeat("x", 64))
	r.MaxFileSize = 32
	_, err = r.Parse(ctx, big)
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "too large")
}

func TestText_NormalizesNewlines(t *testing.T) {
	p := writeFile(t, t.TempDir(), "notes.txt", "\ufeffline one\r\nline two\rline three")
	res, err := NewRegistry().Parse(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\nline three", res.Content)
}

func TestMarkdown_FrontMatterAndAssets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "img/diagram.png", "png")
	p := writeFile(t, dir, "guide.md", `---
title: Retention Guide
tags: [ops, policy]
---

# Retention

![diagram](img/diagram.png "flow")
![remote](https://example.com/x.png)
![missing](img/none.png)
Keep logs for 30 days.
`)

	res, err := NewRegistry().Parse(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Content, "# Retention"))
	assert.NotContains(t, res.Content, "title:")
	assert.Equal(t, "Retention Guide", res.Title)
	assert.Equal(t, "[ops policy]", res.Metadata["tags"])

	require.Len(t, res.Assets, 1)
	assert.Equal(t, "img/diagram.png", res.Assets[0].Ref)
	assert.Equal(t, filepath.Join(dir, "img", "diagram.png"), res.Assets[0].Path)
}

func TestStripFrontMatter(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantBody string
		wantMeta bool
	}{
		{"none", "# Title\nbody", "# Title\nbody", false},
		{"yaml", "---\na: 1\n---\nbody", "body", true},
		{"unterminated", "---\na: 1\nbody", "---\na: 1\nbody", false},
		{"invalid yaml still stripped", "---\n[unclosed\n---\nbody", "body", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, body := stripFrontMatter(tt.in)
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, tt.wantMeta, meta != nil)
		})
	}
}

func TestHTML_RendersBlocks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "logo.png", "png")
	p := writeFile(t, dir, "page.html", `<!doctype html>
<html><head><title> Ops  Handbook </title><style>p{color:red}</style></head>
<body>
<nav><a href="/">Home</a></nav>
<main>
  <h2>Backups</h2>
  <p>Run   nightly <b>snapshots</b>.</p>
  <ul><li>Daily <p>inner</p></li><li>Weekly</li></ul>
  <table><tr><th>Tier</th><th>Days</th></tr><tr><td>hot</td><td>7</td></tr></table>
  <img src="logo.png" alt="Logo">
  <script>alert("x")</script>
</main>
</body></html>`)

	res, err := NewRegistry().Parse(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "Ops Handbook", res.Title)

	want := []string{
		"## Backups",
		"Run nightly snapshots.",
		"- Daily inner",
		"- Weekly",
		"Tier\tDays",
		"hot\t7",
		"![Logo](logo.png)",
	}
	assert.Equal(t, strings.Join(want, "\n\n"), res.Content)
	assert.NotContains(t, res.Content, "alert")
	assert.NotContains(t, res.Content, "Home")
	require.Len(t, res.Assets, 1)
	assert.Equal(t, "logo.png", res.Assets[0].Ref)
}

func TestHTML_FallsBackToBodyText(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bare.htm", "<html><body><div>just   some <span>text</span></div></body></html>")
	res, err := NewRegistry().Parse(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "just some text", res.Content)
}

func TestTabular_CSVAndTSV(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "people.csv", "name, role\nAda,\"engineer, lead\"\n,\nBob,ops,extra\n")
	tsvPath := writeFile(t, dir, "people.tsv", "name\trole\nAda\tengineer\n")

	r := NewRegistry()
	res, err := r.Parse(context.Background(), csvPath)
	require.NoError(t, err)
	assert.Equal(t, "name\trole\nAda\tengineer, lead\nBob\tops\textra", res.Content)

	res, err = r.Parse(context.Background(), tsvPath)
	require.NoError(t, err)
	assert.Equal(t, "name\trole\nAda\tengineer", res.Content)
}

func TestSpreadsheet_RowsPerSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "region"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "sales"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "north"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 42))
	_, err := f.NewSheet("Empty")
	require.NoError(t, err)
	_, err = f.NewSheet("Notes")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Notes", "A1", "reviewed"))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	res, err := NewRegistry().Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "## Sheet1\nregion\tsales\nnorth\t42\n\n## Notes\nreviewed", res.Content)
}

func TestStructured_JSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	ctx := context.Background()

	obj := writeFile(t, dir, "svc.json", `{"name":"api","limits":{"cpu":2,"mem":"1Gi"},"ports":[80,443]}`)
	res, err := r.Parse(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, "limits.cpu: 2\nlimits.mem: 1Gi\nname: api\nports[0]: 80\nports[1]: 443", res.Content)

	arr := writeFile(t, dir, "list.json", `[{"id":1},{"id":2}]`)
	res, err = r.Parse(ctx, arr)
	require.NoError(t, err)
	assert.Equal(t, "[0].id: 1\n\n[1].id: 2", res.Content)

	multi := writeFile(t, dir, "docs.yaml", "a: 1\n---\nb:\n  c: two\n")
	res, err = r.Parse(ctx, multi)
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n\nb.c: two", res.Content)

	bad := writeFile(t, dir, "bad.json", `{"a":`)
	_, err = r.Parse(ctx, bad)
	assert.Error(t, err)
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.md", "a")
	writeFile(t, dir, "skip.pdf", "x")
	writeFile(t, dir, ".hidden.txt", "x")
	writeFile(t, dir, ".git/config.txt", "x")
	nested := writeFile(t, dir, "sub/b.txt", "b")

	r := NewRegistry()
	got, err := r.Collect([]string{dir}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, got)

	got, err = r.Collect([]string{dir, a}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{a, nested}, got)

	_, err = r.Collect([]string{filepath.Join(dir, "nope")}, true)
	assert.Error(t, err)
}
