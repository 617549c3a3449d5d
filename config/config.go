// Package config holds the enumerated configuration of the commit pipeline:
// the file-id partitioning scheme, retention policy, and block size
// thresholds described in spec.md §6.
package config

import "fmt"

// Precision is the resolution of a key timestamp.
type Precision int

const (
	PrecisionMillisecond Precision = iota
	PrecisionMicrosecond
	PrecisionNanosecond
)

// TicksPerDay returns the number of key units in a day at this precision.
func (p Precision) TicksPerDay() int64 {
	switch p {
	case PrecisionMillisecond:
		return 24 * 60 * 60 * 1000
	case PrecisionMicrosecond:
		return 24 * 60 * 60 * 1000 * 1000
	case PrecisionNanosecond:
		return 24 * 60 * 60 * 1000 * 1000 * 1000
	default:
		return 24 * 60 * 60 * 1000
	}
}

func (p Precision) String() string {
	switch p {
	case PrecisionMillisecond:
		return "ms"
	case PrecisionMicrosecond:
		return "us"
	case PrecisionNanosecond:
		return "ns"
	default:
		return "unknown"
	}
}

// Config is the set of knobs a commit needs; all other tuning (compaction,
// query planning, replication) is out of scope per spec.md.
type Config struct {
	DaysPerFile         int       // number of days a single file-id spans
	Precision           Precision // resolution of key timestamps
	Keep                int       // retention window, in days
	MaxRowsPerFileBlock int       // full-block threshold
	MinRowsPerFileBlock int       // below this, a trailing block is flagged Last; it stays in DATA, and LAST holds no blocks
	WarmAfterDays       int       // age, in days, at which a hot fid becomes warm
	ColdAfterDays       int       // age, in days, at which a warm fid becomes cold
}

// Validate checks the config is internally consistent.
func (c Config) Validate() error {
	if c.DaysPerFile <= 0 {
		return fmt.Errorf("config: daysPerFile must be positive, got %d", c.DaysPerFile)
	}
	if c.Keep <= 0 {
		return fmt.Errorf("config: keep must be positive, got %d", c.Keep)
	}
	if c.MaxRowsPerFileBlock <= 0 {
		return fmt.Errorf("config: maxRowsPerFileBlock must be positive, got %d", c.MaxRowsPerFileBlock)
	}
	if c.MinRowsPerFileBlock < 0 || c.MinRowsPerFileBlock >= c.MaxRowsPerFileBlock {
		return fmt.Errorf("config: minRowsPerFileBlock (%d) must be in [0, maxRowsPerFileBlock)", c.MinRowsPerFileBlock)
	}
	return nil
}

// span is the number of key ticks a single file-id spans.
func (c Config) span() int64 {
	return int64(c.DaysPerFile) * c.Precision.TicksPerDay()
}

// FID returns the file-id a key timestamp belongs to.
func (c Config) FID(key int64) int64 {
	span := c.span()
	if key >= 0 {
		return key / span
	}
	// floor division for negative keys, matching TSDB_KEY_FILEID semantics
	// for timestamps before the epoch.
	return -((-key + span - 1) / span)
}

// KeyRange returns the half-open-by-construction [minKey, maxKey] range a
// file-id covers; maxKey is inclusive, matching spec.md §3.
func (c Config) KeyRange(fid int64) (minKey, maxKey int64) {
	span := c.span()
	minKey = fid * span
	maxKey = (fid+1)*span - 1
	return minKey, maxKey
}
