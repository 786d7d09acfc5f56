package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zombor/invoice-poster/internal/extract"
)

// File is one attachment waiting to be processed
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Source lists pending attachments and forgets the ones that were handled
type Source interface {
	List(ctx context.Context) ([]File, error)
	Remove(ctx context.Context, name string) error
}

// Dir is a Source backed by a flat directory. Sub directories, hidden files
// and files that are neither PDF nor image are ignored.
type Dir struct {
	path string
}

// NewDir creates a Dir, creating the directory if needed
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating inbox directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the inbox directory
func (d *Dir) Path() string {
	return d.path
}

// List returns the supported attachments in name order
func (d *Dir) List(ctx context.Context) ([]File, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var files []File
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(d.path, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		ct := extract.DetectContentType(name, data)
		if !extract.Supported(ct) {
			slog.Debug("Skipping unsupported attachment", "name", name, "content_type", ct)
			continue
		}
		files = append(files, File{Name: name, ContentType: ct, Data: data})
	}

	slog.Debug("Listed inbox", "path", d.path, "files", len(files))
	return files, nil
}

// Remove deletes a handled attachment from the inbox
func (d *Dir) Remove(ctx context.Context, name string) error {
	if name != filepath.Base(name) {
		return fmt.Errorf("removing %q: not an inbox file", name)
	}
	if err := os.Remove(filepath.Join(d.path, name)); err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}
