package archivestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store is the writable archive store the collector admits archives
// into. Archives are laid out flat under the root as {archive_id}.zip;
// the layout is internal and not a stability contract.
type Store struct {
	root string
}

// NewStore creates the store directory if absent and returns a Store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive store %s: %w", root, err)
	}

	return &Store{root: filepath.Clean(root)}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// Reader returns a read view over this store for the serving layer.
func (s *Store) Reader() Reader {
	return NewLocalReader(s.root)
}

// Has reports whether an archive with the given ID is already stored.
func (s *Store) Has(archiveID string) bool {
	_, err := os.Stat(filepath.Join(s.root, archiveID+".zip"))

	return err == nil
}

// Put copies the archive at srcPath into the store under archiveID.
// The copy goes through a temp file and a rename so a concurrent reader
// never observes a partial archive. Returns the store-relative path and
// the number of bytes written.
func (s *Store) Put(srcPath, archiveID string) (string, int64, error) {
	relPath := archiveID + ".zip"
	dst := filepath.Join(s.root, relPath)

	src, err := os.Open(srcPath) //nolint:gosec // path from the walk
	if err != nil {
		return "", 0, fmt.Errorf("opening source archive: %w", err)
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(s.root, "."+archiveID+".*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	n, err := io.Copy(tmp, src)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return "", 0, fmt.Errorf("copying archive: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)

		return "", 0, fmt.Errorf("placing archive: %w", err)
	}

	return relPath, n, nil
}
