// Package filegroup manages the on-disk DATA/HEAD/LAST file triples a
// repository keeps one of per file-id, including the shadow-file
// open/atomic-rename dance the write helper uses to commit a file-id's
// changes (spec.md §4.2, §4.3). It is adapted from the teacher's
// segmentmanager package: the same directory-scan-and-discover-by-regex
// bootstrap, generalized from one rotating log to three co-versioned files
// per file-id.
package filegroup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const (
	dataExt = ".data"
	headExt = ".head"
	lastExt = ".last"
	// shadowSuffix marks the shadow copy of HEAD/LAST a commit writes before
	// atomically renaming it over the live file (spec.md §4.2's HEAD'/LAST').
	shadowSuffix = ".new"
)

var dataFileNamePattern = regexp.MustCompile(`^f(\d+)\.data$`)

// FileGroup names the three files that make up one file-id's on-disk state.
type FileGroup struct {
	Fid  int64
	Data string
	Head string
	Last string
}

// Registry discovers and names the file groups under one repository
// directory.
type Registry struct {
	dir string
}

// NewRegistry opens (creating if necessary) dir as a repository's file-group
// root and returns the sorted set of file-ids already present, mirroring
// segmentmanager's "scan then validate" bootstrap.
func NewRegistry(dir string) (*Registry, []int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("filegroup: create dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("filegroup: read dir: %w", err)
	}

	var fids []int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		matches := dataFileNamePattern.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}
		fid, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			continue
		}
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	return &Registry{dir: dir}, fids, nil
}

func (r *Registry) path(fid int64, ext string) string {
	return filepath.Join(r.dir, fmt.Sprintf("f%d%s", fid, ext))
}

// Group returns the live DATA/HEAD/LAST paths for fid, regardless of
// whether they yet exist on disk.
func (r *Registry) Group(fid int64) FileGroup {
	return FileGroup{
		Fid:  fid,
		Data: r.path(fid, dataExt),
		Head: r.path(fid, headExt),
		Last: r.path(fid, lastExt),
	}
}

// ShadowHead and ShadowLast are the paths the write helper opens for a
// file-id's shadow copies during OPENED state, committed via CommitShadows
// or discarded via DiscardShadows (spec.md §4.2 state machine).
func (r *Registry) ShadowHead(fid int64) string { return r.path(fid, headExt+shadowSuffix) }
func (r *Registry) ShadowLast(fid int64) string { return r.path(fid, lastExt+shadowSuffix) }

// CommitShadows atomically renames a file-id's shadow HEAD/LAST onto their
// live names. os.Rename is atomic within one filesystem, the same guarantee
// spec.md §4.2's CLOSED-state commit relies on; DATA is append-only and was
// already fsynced in place, so it needs no rename.
func (r *Registry) CommitShadows(fid int64) error {
	g := r.Group(fid)
	if _, err := os.Stat(r.ShadowHead(fid)); err == nil {
		if err := os.Rename(r.ShadowHead(fid), g.Head); err != nil {
			return fmt.Errorf("filegroup: commit head: %w", err)
		}
	}
	if _, err := os.Stat(r.ShadowLast(fid)); err == nil {
		if err := os.Rename(r.ShadowLast(fid), g.Last); err != nil {
			return fmt.Errorf("filegroup: commit last: %w", err)
		}
	}
	return nil
}

// DiscardShadows removes a file-id's shadow files without touching the live
// ones, used when a commit is abandoned before reaching CLOSED.
func (r *Registry) DiscardShadows(fid int64) error {
	for _, p := range []string{r.ShadowHead(fid), r.ShadowLast(fid)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filegroup: discard shadow %s: %w", p, err)
		}
	}
	return nil
}

// Remove deletes all three files for fid, used by the retention planner once
// a file-id falls outside the keep window (spec.md §4.6 Apply).
func (r *Registry) Remove(fid int64) error {
	g := r.Group(fid)
	for _, p := range []string{g.Data, g.Head, g.Last} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filegroup: remove %s: %w", p, err)
		}
	}
	return nil
}

// Exists reports whether fid's DATA file is present.
func (r *Registry) Exists(fid int64) bool {
	_, err := os.Stat(r.Group(fid).Data)
	return err == nil
}
