package metastore

import "time"

// Archive is one immutable database archive admitted into the archive
// store. Written only by the collector; never updated.
type Archive struct {
	ArchiveID string `gorm:"primaryKey"`
	FilePath  string `gorm:"not null"` // relative to the archive store root
	Size      int64
	GitOwner  string `gorm:"index"`
	GitRepo   string `gorm:"index"`
	CreatedAt time.Time
}

// Result is one analysis result for a query pack, pointing at an
// admitted archive via a resolvable result_url. Only the migration
// utility ever rewrites result_url, and only on a derived store copy.
type Result struct {
	ID         uint   `gorm:"primaryKey"`
	QueryPack  string `gorm:"not null;uniqueIndex:idx_results_pack_archive"`
	ArchiveID  string `gorm:"not null;uniqueIndex:idx_results_pack_archive"`
	ResultURL  string `gorm:"not null"`
	ProducedAt time.Time `gorm:"index"`

	// Provenance carried alongside the result.
	GitBranch       string
	GitCommitID     string
	PrimaryLanguage string
	ToolName        string
	ToolVersion     string
}
