package archivestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Compile-time interface check.
var _ Reader = (*localReader)(nil)

type localReader struct {
	root string
}

// NewLocalReader creates a Reader rooted at the given archive store
// directory.
func NewLocalReader(root string) Reader {
	return &localReader{root: filepath.Clean(root)}
}

// Open streams the archive at relPath from under the store root.
func (r *localReader) Open(
	_ context.Context, relPath string,
) (io.ReadCloser, int64, error) {
	full, err := r.resolve(relPath)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, relPath)
		}

		return nil, 0, fmt.Errorf("stat %s: %w", full, err)
	}

	if info.IsDir() {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, relPath)
	}

	f, err := os.Open(full) //nolint:gosec // resolve rejects traversal
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", full, err)
	}

	return f, info.Size(), nil
}

// Stat reports size metadata for the archive at relPath.
func (r *localReader) Stat(
	_ context.Context, relPath string,
) (*FileInfo, error) {
	full, err := r.resolve(relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, relPath)
		}

		return nil, fmt.Errorf("stat %s: %w", full, err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, relPath)
	}

	return &FileInfo{Size: info.Size()}, nil
}

// resolve maps a store-relative request path to an absolute path,
// rejecting anything that would escape the root.
func (r *localReader) resolve(relPath string) (string, error) {
	if !isAllowedPath(relPath) {
		return "", fmt.Errorf("%w: %s", ErrNotExist, relPath)
	}

	full := filepath.Join(r.root, filepath.FromSlash(relPath))

	// The resolved path must stay under the store root.
	if full != r.root &&
		!strings.HasPrefix(full, r.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrNotExist, relPath)
	}

	return full, nil
}

// isAllowedPath rejects empty, absolute, unclean, or traversal paths.
func isAllowedPath(relPath string) bool {
	if relPath == "" {
		return false
	}

	if strings.Contains(relPath, "..") {
		return false
	}

	if strings.HasPrefix(relPath, "/") {
		return false
	}

	return path.Clean(relPath) == relPath
}
