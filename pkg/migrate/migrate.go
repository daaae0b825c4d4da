// Package migrate rewrites stored result_url prefixes when the serving
// host or base path changes. It always operates on a fresh copy of the
// metadata store; the live store consumed by the serving layer is never
// touched, so the operator cuts over by swapping the store path once the
// copy is verified.
package migrate

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mrvahepc/hepc/pkg/config"
	"github.com/mrvahepc/hepc/pkg/metastore"
)

// Options configures one migration invocation.
type Options struct {
	// SourcePath is the live SQLite metadata store. Opened read-only
	// (for copying); never written.
	SourcePath string

	// DestPath is where the migrated copy is written. Must not exist.
	DestPath string

	// OldPrefix is matched literally against the start of result_url.
	OldPrefix string

	// NewPrefix replaces OldPrefix on matching records.
	NewPrefix string
}

// Migrate copies the source store to DestPath and rewrites result_url
// prefixes on the copy. Returns the number of records rewritten.
func Migrate(
	ctx context.Context,
	log logrus.FieldLogger,
	opts Options,
) (int64, error) {
	log = log.WithField("component", "migrate")

	if opts.OldPrefix == "" {
		return 0, fmt.Errorf("old prefix must not be empty")
	}

	if _, err := os.Stat(opts.SourcePath); err != nil {
		return 0, fmt.Errorf("source store %q: %w", opts.SourcePath, err)
	}

	if _, err := os.Stat(opts.DestPath); err == nil {
		return 0, fmt.Errorf(
			"destination store %q already exists", opts.DestPath,
		)
	}

	if err := copyFile(opts.SourcePath, opts.DestPath); err != nil {
		return 0, fmt.Errorf("copying store: %w", err)
	}

	store := metastore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: opts.DestPath},
	})

	if err := store.Start(ctx); err != nil {
		return 0, fmt.Errorf("opening store copy: %w", err)
	}

	defer func() { _ = store.Stop() }()

	count, err := store.RewriteURLPrefix(
		ctx, opts.OldPrefix, opts.NewPrefix,
	)
	if err != nil {
		return 0, err
	}

	log.WithFields(logrus.Fields{
		"rewritten": count,
		"dest":      opts.DestPath,
	}).Info("Migration complete")

	return count, nil
}

// copyFile copies src to dst byte-for-byte, refusing to clobber dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // operator-supplied path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(
		dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644,
	) //nolint:gosec // operator-supplied path
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)

		return err
	}

	return out.Close()
}
