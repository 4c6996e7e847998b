// Package docload reads raw documents from a knowledge base directory tree
// and extracts their text for segmentation. Plain text and markdown are read
// directly; PDF text is extracted via the external pdftotext binary when it
// is available on PATH. Unreadable or unsupported files are skipped, never
// fatal — ingestion of the remaining files continues.
package docload

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m4ttr/docqa-go/internal/logging"
)

// pdftotextTimeout bounds a single PDF extraction so one corrupt file cannot
// stall a whole rebuild.
const pdftotextTimeout = 60 * time.Second

// File is one raw document discovered under a knowledge base directory.
type File struct {
	// Doc is the document identifier: the path relative to the KB root.
	Doc string
	// Path is the absolute filesystem path.
	Path string
}

// Discover walks the knowledge base directory and returns the supported
// document files in deterministic (sorted) order. Hidden files and
// directories are skipped.
func Discover(root string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !Supported(name) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, File{Doc: filepath.ToSlash(rel), Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("docload: walk %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Doc < files[j].Doc })
	return files, nil
}

// Supported reports whether the file extension is a readable document type.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown", ".pdf":
		return true
	}
	return false
}

// ReadBytes returns the raw file bytes, used for content hashing.
func ReadBytes(f File) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("docload: read %s: %w", f.Doc, err)
	}
	return data, nil
}

// ExtractText returns the extracted text of the file. For text and markdown
// the raw bytes are returned as-is; for PDF the pdftotext binary is invoked.
// An unsupported type yields empty text with no error so the caller can log
// and skip.
func ExtractText(ctx context.Context, f File, raw []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".txt", ".md", ".markdown":
		return string(raw), nil
	case ".pdf":
		return extractPDF(ctx, f.Path)
	default:
		logging.FromContext(ctx).Warn("docload: unsupported file type, skipping",
			slog.String("doc", f.Doc),
		)
		return "", nil
	}
}

// extractPDF shells out to pdftotext, writing the extracted text to stdout.
// A missing binary is surfaced as an error so the file is skipped with a
// warning rather than silently indexed as empty.
func extractPDF(ctx context.Context, path string) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("docload: pdftotext not on PATH: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pdftotextTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", path, "-")
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docload: pdftotext %s: %w", filepath.Base(path), err)
	}
	return out.String(), nil
}
