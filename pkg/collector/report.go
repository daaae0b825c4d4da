package collector

// FileError records a single archive that could not be admitted. Per-file
// failures never abort a collection run.
type FileError struct {
	Path   string `yaml:"path" json:"path"`
	Reason string `yaml:"reason" json:"reason"`
}

// Report summarizes one collection run.
type Report struct {
	// Scanned is the number of candidate archives the walk selected.
	Scanned int `yaml:"scanned" json:"scanned"`

	// Admitted is the number of archives newly copied into the store.
	Admitted int `yaml:"admitted" json:"admitted"`

	// AlreadyPresent counts candidates whose archive_id was admitted by
	// an earlier run; they still occupy a slot in the admission bound.
	AlreadyPresent int `yaml:"already_present" json:"already_present"`

	// Errors lists per-file failures, sorted by path.
	Errors []FileError `yaml:"errors" json:"errors"`

	// Duration is the wall-clock duration of the run.
	Duration string `yaml:"duration" json:"duration"`
}
