package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hurttlocker/kbrag/internal/fileserver"
	"github.com/hurttlocker/kbrag/internal/parse"
	"github.com/hurttlocker/kbrag/internal/search"
	"github.com/hurttlocker/kbrag/internal/store"
)

// parsedDirName is the directory under the data dir holding parsed text.
const parsedDirName = "parsed"

// publish copies the source document and its local assets under the file
// server root and rewrites asset references in the parsed content to
// placeholder URLs, resolved against the live server at search time.
func publish(dataDir string, d *store.Document, res *parse.Result) (string, error) {
	dir := fileserver.DocumentDir(dataDir, d.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res.Content, fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := copyFile(d.SourcePath, filepath.Join(dir, filepath.Base(d.SourcePath))); err != nil {
		return res.Content, err
	}

	content := res.Content
	for _, a := range res.Assets {
		name := filepath.Base(a.Path)
		if err := copyFile(a.Path, filepath.Join(dir, name)); err != nil {
			return res.Content, err
		}
		link := fileserver.Link(search.BaseURLPlaceholder, d.ID, name)
		content = strings.ReplaceAll(content, "]("+a.Ref, "]("+link)
	}
	return content, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
