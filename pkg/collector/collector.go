package collector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mrvahepc/hepc/pkg/archivestore"
	"github.com/mrvahepc/hepc/pkg/config"
	"github.com/mrvahepc/hepc/pkg/metastore"
)

// zipMagic is the local-file-header signature every database archive
// must start with.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// hashFragmentLen is the number of hex characters of the content SHA-256
// used to disambiguate archive IDs.
const hashFragmentLen = 12

// Collector walks a source tree, admits database archives into the
// archive store, and records archive and result metadata.
type Collector struct {
	log      logrus.FieldLogger
	cfg      *config.CollectorConfig
	baseURL  string
	store    metastore.Store
	archives *archivestore.Store

	// dbMu serializes metastore writes and archive_id allocation.
	dbMu sync.Mutex
}

// New validates the collector configuration and returns a Collector that
// records result URLs under the given base URL.
func New(
	log logrus.FieldLogger,
	cfg *config.CollectorConfig,
	baseURL string,
	store metastore.Store,
	archives *archivestore.Store,
) (*Collector, error) {
	if cfg.SourceRoot == "" {
		return nil, fmt.Errorf("source root is required")
	}

	info, err := os.Stat(cfg.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("source root %q: %w", cfg.SourceRoot, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf(
			"source root %q is not a directory", cfg.SourceRoot,
		)
	}

	if cfg.MaxDatabases <= 0 {
		return nil, fmt.Errorf(
			"max databases must be positive, got %d", cfg.MaxDatabases,
		)
	}

	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	return &Collector{
		log:      log.WithField("component", "collector"),
		cfg:      cfg,
		baseURL:  strings.TrimRight(baseURL, "/"),
		store:    store,
		archives: archives,
	}, nil
}

// Collect runs one bounded collection pass. Candidate selection is a
// sequential lexical walk so the admitted set is identical across runs
// with the same tree and limit; the per-candidate hash/copy/record work
// runs on a bounded worker pool with serialized metastore writes.
func (c *Collector) Collect(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	candidates, err := c.selectCandidates(ctx, report)
	if err != nil {
		return nil, err
	}

	report.Scanned = len(candidates)

	c.log.WithFields(logrus.Fields{
		"source_root": c.cfg.SourceRoot,
		"candidates":  len(candidates),
		"max":         c.cfg.MaxDatabases,
	}).Info("Collection pass started")

	var reportMu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, path := range candidates {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			admitted, already, err := c.admit(gCtx, path)

			reportMu.Lock()
			defer reportMu.Unlock()

			switch {
			case err != nil:
				c.log.WithError(err).
					WithField("path", path).
					Warn("Skipping archive")

				report.Errors = append(report.Errors, FileError{
					Path:   path,
					Reason: err.Error(),
				})
			case already:
				report.AlreadyPresent++
			case admitted:
				report.Admitted++
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collection run: %w", err)
	}

	// Candidate order is deterministic but completion order is not;
	// keep the error list stable for the report.
	sort.Slice(report.Errors, func(i, j int) bool {
		return report.Errors[i].Path < report.Errors[j].Path
	})

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	c.log.WithFields(logrus.Fields{
		"admitted":        report.Admitted,
		"already_present": report.AlreadyPresent,
		"errors":          len(report.Errors),
		"duration":        report.Duration,
	}).Info("Collection pass completed")

	return report, nil
}

// selectCandidates walks the source tree with an explicit stack in
// lexical order, collecting *.zip files until the admission bound is
// reached or the walk is exhausted. A visited set of symlink-resolved
// directories keeps memory bounded and terminates symlink cycles.
func (c *Collector) selectCandidates(
	ctx context.Context, report *Report,
) ([]string, error) {
	root := filepath.Clean(c.cfg.SourceRoot)

	visited := make(map[string]struct{})
	stack := []string{root}

	var candidates []string

	for len(stack) > 0 && len(candidates) < c.cfg.MaxDatabases {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		canonical, err := filepath.EvalSymlinks(dir)
		if err != nil {
			if dir == root {
				return nil, fmt.Errorf("resolving source root: %w", err)
			}

			report.Errors = append(report.Errors, FileError{
				Path:   dir,
				Reason: err.Error(),
			})

			continue
		}

		if _, seen := visited[canonical]; seen {
			continue
		}

		visited[canonical] = struct{}{}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == root {
				return nil, fmt.Errorf("reading source root: %w", err)
			}

			report.Errors = append(report.Errors, FileError{
				Path:   dir,
				Reason: err.Error(),
			})

			continue
		}

		// os.ReadDir sorts by name. Files are taken in that order;
		// subdirectories are pushed in reverse so the stack pops them
		// lexically.
		var subdirs []string

		for _, e := range entries {
			full := filepath.Join(dir, e.Name())

			switch {
			case e.IsDir():
				subdirs = append(subdirs, full)
			case e.Type().IsRegular() &&
				strings.HasSuffix(e.Name(), ".zip"):
				candidates = append(candidates, full)

				if len(candidates) == c.cfg.MaxDatabases {
					return candidates, nil
				}
			case e.Type()&os.ModeSymlink != 0:
				// Follow directory symlinks through the visited set;
				// other symlinks are ignored.
				if info, sErr := os.Stat(full); sErr == nil && info.IsDir() {
					subdirs = append(subdirs, full)
				}
			}
		}

		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	return candidates, nil
}

// admit hashes and copies one candidate archive and records its metadata.
// Returns (admitted, alreadyPresent, err).
func (c *Collector) admit(
	ctx context.Context, path string,
) (bool, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, false, fmt.Errorf("stat: %w", err)
	}

	hash, err := hashArchive(path)
	if err != nil {
		return false, false, err
	}

	rel, err := filepath.Rel(c.cfg.SourceRoot, path)
	if err != nil {
		return false, false, fmt.Errorf("relativizing path: %w", err)
	}

	owner, repo := repoIdentity(rel)
	archiveID := fmt.Sprintf("%s_%s_%s", owner, repo, hash)

	// Re-runs over an unchanged tree find their archives already
	// admitted; that is idempotence, not an error. The result is still
	// upserted so an interrupted earlier run cannot leave an admitted
	// archive without a result pointing at it.
	c.dbMu.Lock()
	existing, err := c.store.GetArchive(ctx, archiveID)
	c.dbMu.Unlock()

	switch {
	case err == nil:
		return false, true, c.recordResult(
			ctx, archiveID, existing.FilePath, info.ModTime(),
		)
	case !errors.Is(err, metastore.ErrNotFound):
		return false, false, err
	}

	relPath, size, err := c.archives.Put(path, archiveID)
	if err != nil {
		return false, false, err
	}

	archive := &metastore.Archive{
		ArchiveID: archiveID,
		FilePath:  relPath,
		Size:      size,
		GitOwner:  owner,
		GitRepo:   repo,
		CreatedAt: time.Now().UTC(),
	}

	c.dbMu.Lock()
	defer c.dbMu.Unlock()

	err = c.store.RecordAdmission(
		ctx, archive, c.newResult(archiveID, relPath, info.ModTime()),
	)
	if err != nil {
		// A same-content candidate on another worker can win the race;
		// content-derived IDs make that equivalent to already-present.
		if errors.Is(err, metastore.ErrDuplicateArchive) {
			return false, true, nil
		}

		return false, false, err
	}

	return true, false, nil
}

// recordResult upserts the result row for an already-admitted archive.
func (c *Collector) recordResult(
	ctx context.Context, archiveID, relPath string, mtime time.Time,
) error {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()

	return c.store.PutResult(ctx, c.newResult(archiveID, relPath, mtime))
}

func (c *Collector) newResult(
	archiveID, relPath string, mtime time.Time,
) *metastore.Result {
	return &metastore.Result{
		QueryPack:   c.cfg.QueryPack,
		ArchiveID:   archiveID,
		ResultURL:   c.baseURL + "/db/" + relPath,
		ProducedAt:  mtime.UTC(),
		ToolName:    c.cfg.ToolName,
		ToolVersion: c.cfg.ToolVersion,
	}
}

// hashArchive verifies the zip signature and returns the content hash
// fragment used in the archive ID.
func hashArchive(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path from the walk
	if err != nil {
		return "", fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("reading archive header: %w", err)
	}

	if !bytes.Equal(magic, zipMagic) {
		return "", fmt.Errorf("not a zip archive")
	}

	h := sha256.New()
	h.Write(magic)

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing archive: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil))[:hashFragmentLen], nil
}

// repoIdentity derives (owner, repo) from the archive's path relative to
// the source root. Mirror trees are laid out as owner/repo/...; flatter
// trees fall back to the directory or file name.
func repoIdentity(rel string) (string, string) {
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch {
	case len(parts) >= 3:
		return sanitizeIdent(parts[0]), sanitizeIdent(parts[1])
	case len(parts) == 2:
		return "local", sanitizeIdent(parts[0])
	default:
		base := strings.TrimSuffix(parts[0], ".zip")

		return "local", sanitizeIdent(base)
	}
}

// sanitizeIdent maps path components onto the archive ID alphabet.
func sanitizeIdent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
