package archivestore

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned by readers when a relative path does not
// resolve to a stored archive. It lets the serving layer distinguish
// store/metadata drift from real I/O failure.
var ErrNotExist = errors.New("archive does not exist")

// FileInfo describes a stored archive without opening it.
type FileInfo struct {
	Size int64
}

// Reader provides read access to archives stored in a backend (local
// filesystem or S3). The serving layer streams downloads through it and
// uses Stat to refuse results whose archive has gone missing.
type Reader interface {
	// Open streams the archive at the given store-relative path.
	// Returns ErrNotExist when the path does not resolve.
	Open(ctx context.Context, relPath string) (io.ReadCloser, int64, error)

	// Stat reports metadata for the archive at the given path.
	// Returns ErrNotExist when the path does not resolve.
	Stat(ctx context.Context, relPath string) (*FileInfo, error)
}
