package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

const markdownExt = ".md"

// Filesystem stores one {root}/{parentID}.md file per parent.
type Filesystem struct {
	fs   afero.Fs
	root string
}

var _ MarkdownSource = (*Filesystem)(nil)

func NewFilesystem(fsys afero.Fs, root string) (*Filesystem, error) {
	if fsys == nil {
		return nil, errors.New("source: filesystem is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	return &Filesystem{fs: fsys, root: root}, nil
}

func (f *Filesystem) file(parentID string) string {
	return path.Join(f.root, parentID+markdownExt)
}

func (f *Filesystem) GetMarkdown(_ context.Context, parentID string) (string, bool, error) {
	if validateParentID("get_markdown", parentID) != nil {
		return "", false, nil
	}
	raw, err := afero.ReadFile(f.fs, f.file(parentID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("source: read %s: %w", parentID, err)
	}
	return string(raw), true, nil
}

func (f *Filesystem) SaveMarkdown(_ context.Context, parentID string, markdown string) error {
	if err := validateParentID("save_markdown", parentID); err != nil {
		return err
	}
	if err := f.fs.MkdirAll(f.root, 0o755); err != nil {
		return fmt.Errorf("source: create root: %w", err)
	}
	if err := afero.WriteFile(f.fs, f.file(parentID), []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("source: write %s: %w", parentID, err)
	}
	return nil
}

func (f *Filesystem) ListParentIDs(context.Context) ([]string, error) {
	entries, err := afero.ReadDir(f.fs, f.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("source: list %s: %w", f.root, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markdownExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), markdownExt))
	}
	slices.Sort(ids)
	return ids, nil
}
