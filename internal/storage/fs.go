package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
)

// FS is a bucket backed by a local directory.
type FS struct {
	root    string // absolute path to the bucket directory
	baseURL string
}

// Verify *FS satisfies backend.Blobs at compile time.
var _ backend.Blobs = (*FS)(nil)

// NewFS creates a bucket rooted at root whose objects are served under
// publicBaseURL. The directory is not required to exist yet; operations on
// a missing bucket fail with apperr.ErrStorageMisconfigured.
func NewFS(root, publicBaseURL string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	return &FS{root: abs, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Root returns the absolute bucket directory.
func (f *FS) Root() string { return f.root }

// ready checks that the bucket directory exists.
func (f *FS) ready() error {
	info, err := os.Stat(f.root)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return fmt.Errorf("storage: bucket %s: %w", f.root, apperr.ErrStorageMisconfigured)
	}
	if err != nil {
		return fmt.Errorf("storage: stat bucket: %w", err)
	}
	return nil
}

// safePath resolves a relative object path against the bucket root and
// rejects any result that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(cleaned) {
		return "", apperr.Validationf("invalid object path %q", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", apperr.Validationf("object path escapes bucket: %s", rel)
	}
	return abs, nil
}

// authorize enforces that the first path segment equals ownerID.
func authorize(ownerID, path string) error {
	first, _, ok := strings.Cut(filepath.ToSlash(filepath.Clean(path)), "/")
	if !ok || ownerID == "" || first != ownerID {
		return fmt.Errorf("storage: %s may not write %s: %w", ownerID, path, apperr.ErrUnauthorized)
	}
	return nil
}

// Upload stores data at path on behalf of ownerID.
func (f *FS) Upload(ctx context.Context, ownerID, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := authorize(ownerID, path); err != nil {
		return err
	}
	if err := f.ready(); err != nil {
		return err
	}
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	return f.write(abs, data)
}

// Read returns the object stored at path.
func (f *FS) Read(path string) ([]byte, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// PublicURL returns the URL under which path is served.
func (f *FS) PublicURL(path string) string {
	u, err := url.JoinPath(f.baseURL, filepath.ToSlash(path))
	if err != nil {
		return f.baseURL + "/" + filepath.ToSlash(path)
	}
	return u
}

// write atomically writes content: tmp file → fsync → rename.
func (f *FS) write(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".larder-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
