// Package blob keeps original uploaded files next to the knowledge base.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/aikb/aikb/engine/knowledge"
)

// Object identifies a stored file and where it can be downloaded.
type Object struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type Store interface {
	Upload(ctx context.Context, data []byte, key string) (Object, error)
	// Get returns found == false when the key does not exist.
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	GetDownloadURL(ctx context.Context, key string) (string, error)
}

// Filesystem stores objects under root. Download links use baseURL when set
// and file:// URLs otherwise.
type Filesystem struct {
	fs      afero.Fs
	root    string
	baseURL string
}

var _ Store = (*Filesystem)(nil)

func NewFilesystem(fsys afero.Fs, root, baseURL string) (*Filesystem, error) {
	if fsys == nil {
		return nil, errors.New("blob: filesystem is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("blob: root is required")
	}
	if baseURL != "" {
		if _, err := url.Parse(baseURL); err != nil {
			return nil, fmt.Errorf("blob: invalid base url: %w", err)
		}
	}
	return &Filesystem{fs: fsys, root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (f *Filesystem) Upload(_ context.Context, data []byte, key string) (Object, error) {
	clean, err := cleanKey("upload", key)
	if err != nil {
		return Object{}, err
	}
	target := f.path(clean)
	if err := f.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return Object{}, fmt.Errorf("blob: create dir for %s: %w", clean, err)
	}
	if err := afero.WriteFile(f.fs, target, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("blob: write %s: %w", clean, err)
	}
	return Object{Key: clean, URL: f.url(clean)}, nil
}

func (f *Filesystem) Get(_ context.Context, key string) ([]byte, bool, error) {
	clean, err := cleanKey("get", key)
	if err != nil {
		return nil, false, err
	}
	data, err := afero.ReadFile(f.fs, f.path(clean))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blob: read %s: %w", clean, err)
	}
	return data, true, nil
}

// GetDownloadURL fails with knowledge.ErrNotFound for unknown keys.
func (f *Filesystem) GetDownloadURL(_ context.Context, key string) (string, error) {
	clean, err := cleanKey("get_download_url", key)
	if err != nil {
		return "", err
	}
	ok, err := afero.Exists(f.fs, f.path(clean))
	if err != nil {
		return "", fmt.Errorf("blob: stat %s: %w", clean, err)
	}
	if !ok {
		return "", &knowledge.Error{Kind: knowledge.ErrNotFound, Op: "get_download_url", Err: fmt.Errorf("key %s", clean)}
	}
	return f.url(clean), nil
}

func (f *Filesystem) path(key string) string {
	return path.Join(f.root, key)
}

func (f *Filesystem) url(key string) string {
	if f.baseURL != "" {
		parts := strings.Split(key, "/")
		for i := range parts {
			parts[i] = url.PathEscape(parts[i])
		}
		return f.baseURL + "/" + strings.Join(parts, "/")
	}
	abs := f.path(key)
	if resolved, err := filepath.Abs(abs); err == nil {
		abs = filepath.ToSlash(resolved)
	}
	return (&url.URL{Scheme: "file", Path: abs}).String()
}

// cleanKey rejects keys that would escape the root.
func cleanKey(op, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", knowledge.NewValidationError(op, "", "blob key is required")
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") || strings.HasPrefix(key, "/") {
		return "", knowledge.NewValidationError(op, "", fmt.Sprintf("blob key %q is not a clean relative path", key))
	}
	return clean, nil
}
