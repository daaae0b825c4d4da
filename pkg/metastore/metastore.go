package metastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mrvahepc/hepc/pkg/config"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateArchive is returned when an archive ID is already
	// recorded. Archives are immutable; the caller skips and logs.
	ErrDuplicateArchive = errors.New("duplicate archive id")

	// ErrUnknownArchive is returned when a result references an archive
	// ID that has not been admitted.
	ErrUnknownArchive = errors.New("unknown archive id")
)

// Store provides persistence for archive and result metadata.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	PutArchive(ctx context.Context, a *Archive) error
	GetArchive(ctx context.Context, archiveID string) (*Archive, error)
	HasArchive(ctx context.Context, archiveID string) (bool, error)
	CountArchives(ctx context.Context) (int64, error)

	PutResult(ctx context.Context, r *Result) error
	RecordAdmission(ctx context.Context, a *Archive, r *Result) error
	LatestResult(ctx context.Context, queryPack string) (*Result, error)
	ResultsByPack(ctx context.Context, queryPack string) ([]Result, error)
	AllLatestResults(ctx context.Context) ([]Result, error)
	ListQueryPacks(ctx context.Context) ([]string, error)

	RewriteURLPrefix(
		ctx context.Context, oldPrefix, newPrefix string,
	) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "metastore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening metadata database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Archive{},
		&Result{},
	); err != nil {
		return fmt.Errorf("running metadata migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Metadata database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// PutArchive inserts a new archive record. Archive records are immutable,
// so an existing ID is rejected with ErrDuplicateArchive.
func (s *store) PutArchive(ctx context.Context, a *Archive) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Archive{}).
		Where("archive_id = ?", a.ArchiveID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("checking archive id: %w", err)
	}

	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateArchive, a.ArchiveID)
	}

	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("inserting archive: %w", err)
	}

	return nil
}

// GetArchive returns the archive record for the given ID.
func (s *store) GetArchive(
	ctx context.Context, archiveID string,
) (*Archive, error) {
	var a Archive
	if err := s.db.WithContext(ctx).
		Where("archive_id = ?", archiveID).
		First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: archive %s", ErrNotFound, archiveID)
		}

		return nil, fmt.Errorf("getting archive: %w", err)
	}

	return &a, nil
}

// HasArchive reports whether the given archive ID has been admitted.
func (s *store) HasArchive(
	ctx context.Context, archiveID string,
) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Archive{}).
		Where("archive_id = ?", archiveID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking archive id: %w", err)
	}

	return count > 0, nil
}

// CountArchives returns the number of admitted archives.
func (s *store) CountArchives(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Archive{}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting archives: %w", err)
	}

	return count, nil
}

// PutResult upserts a result keyed by (query_pack, archive_id). The
// referenced archive must already be admitted.
func (s *store) PutResult(ctx context.Context, r *Result) error {
	ok, err := s.HasArchive(ctx, r.ArchiveID)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArchive, r.ArchiveID)
	}

	result := s.db.WithContext(ctx).
		Where("query_pack = ? AND archive_id = ?",
			r.QueryPack, r.ArchiveID).
		Assign(r).
		FirstOrCreate(r)
	if result.Error != nil {
		return fmt.Errorf("upserting result: %w", result.Error)
	}

	return nil
}

// RecordAdmission inserts an archive and upserts its result in a single
// transaction, so a failure mid-write cannot leave an archive recorded
// without any result pointing at it.
func (s *store) RecordAdmission(
	ctx context.Context, a *Archive, r *Result,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Archive{}).
			Where("archive_id = ?", a.ArchiveID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking archive id: %w", err)
		}

		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateArchive, a.ArchiveID)
		}

		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("inserting archive: %w", err)
		}

		res := tx.
			Where("query_pack = ? AND archive_id = ?",
				r.QueryPack, r.ArchiveID).
			Assign(r).
			FirstOrCreate(r)
		if res.Error != nil {
			return fmt.Errorf("upserting result: %w", res.Error)
		}

		return nil
	})
}

// LatestResult returns the result with maximal produced_at for the query
// pack. Ties are broken by the lexically smallest archive_id so repeated
// queries are deterministic.
func (s *store) LatestResult(
	ctx context.Context, queryPack string,
) (*Result, error) {
	var r Result
	if err := s.db.WithContext(ctx).
		Where("query_pack = ?", queryPack).
		Order("produced_at DESC").
		Order("archive_id ASC").
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf(
				"%w: query pack %s", ErrNotFound, queryPack,
			)
		}

		return nil, fmt.Errorf("getting latest result: %w", err)
	}

	return &r, nil
}

// ResultsByPack returns all results for a query pack, newest first with
// the same tie-break as LatestResult.
func (s *store) ResultsByPack(
	ctx context.Context, queryPack string,
) ([]Result, error) {
	var results []Result
	if err := s.db.WithContext(ctx).
		Where("query_pack = ?", queryPack).
		Order("produced_at DESC").
		Order("archive_id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

// AllLatestResults returns the latest result for every known query pack,
// packs in lexical order.
func (s *store) AllLatestResults(ctx context.Context) ([]Result, error) {
	packs, err := s.ListQueryPacks(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(packs))

	for _, pack := range packs {
		r, err := s.LatestResult(ctx, pack)
		if err != nil {
			return nil, err
		}

		results = append(results, *r)
	}

	return results, nil
}

// ListQueryPacks returns the distinct query pack identifiers in lexical
// order.
func (s *store) ListQueryPacks(ctx context.Context) ([]string, error) {
	var packs []string
	if err := s.db.WithContext(ctx).
		Model(&Result{}).
		Distinct("query_pack").
		Order("query_pack ASC").
		Pluck("query_pack", &packs).Error; err != nil {
		return nil, fmt.Errorf("listing query packs: %w", err)
	}

	return packs, nil
}

// RewriteURLPrefix replaces oldPrefix with newPrefix on every result_url
// that starts with oldPrefix, as a literal string prefix. Rows that do not
// match are untouched, so replaying the same rewrite is a no-op.
func (s *store) RewriteURLPrefix(
	ctx context.Context, oldPrefix, newPrefix string,
) (int64, error) {
	if oldPrefix == "" {
		return 0, fmt.Errorf("old prefix must not be empty")
	}

	// substr counts characters, not bytes, on both drivers.
	res := s.db.WithContext(ctx).Exec(
		`UPDATE results
		    SET result_url = ? || substr(result_url, ?)
		  WHERE result_url LIKE ? ESCAPE '\'`,
		newPrefix,
		utf8.RuneCountInString(oldPrefix)+1,
		escapeLike(oldPrefix)+"%",
	)
	if res.Error != nil {
		return 0, fmt.Errorf("rewriting url prefix: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// escapeLike escapes LIKE metacharacters so a prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`%`, `\%`,
		`_`, `\_`,
	)

	return r.Replace(s)
}
