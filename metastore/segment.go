package metastore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// segmentLog is the action log's on-disk backing store: a directory of
// numbered, rotating segment files instead of one unbounded file. Adapted
// from the retrieval pack's segmentmanager/disk.go (its active-file-plus-
// rotate-on-threshold shape); the original segmentmanager package declared
// segmentFileNamePattern, isDirectoryValid, segmentEntry and
// validateSegmentEntries in both segmentmanager.go and disk.go, which is a
// duplicate-symbol compile error, and disk_test.go referenced a
// WithLogFileExt option that didn't exist anywhere in the package — the
// package never compiled as retrieved. Only disk.go's design (mutex-guarded
// active *os.File, rotation on a size threshold) survives here; Append
// rotates once the active segment has reached maxSegmentSize. It is
// rewritten for a single purpose:
// backing metastore's action log.
type segmentLog struct {
	mu             sync.Mutex
	active         *os.File
	activeID       int
	dir            string
	maxSegmentSize int64
}

const (
	defaultMaxSegmentSize = 16 * 1024 * 1024
	segmentFileExt        = ".log"
)

var segmentFileNamePattern = regexp.MustCompile(`^segment-(\d+)\.log$`)

type segmentLogOption func(*segmentLog)

func withMaxSegmentSize(n int64) segmentLogOption {
	return func(s *segmentLog) { s.maxSegmentSize = n }
}

// openSegmentLog opens (creating if necessary) the segment directory at
// dir, returning the log positioned so appends go to the newest segment.
// It does not replay; callers read segmentIDs/segmentPath to do that.
func openSegmentLog(dir string, opts ...segmentLogOption) (*segmentLog, error) {
	s := &segmentLog{dir: dir, maxSegmentSize: defaultMaxSegmentSize}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metastore: create segment dir: %w", err)
	}

	ids, err := segmentIDs(dir)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return s, s.rotate()
	}

	s.activeID = ids[len(ids)-1]
	f, err := os.OpenFile(segmentPath(dir, s.activeID), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metastore: open active segment: %w", err)
	}
	s.active = f
	return s, nil
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%06d%s", id, segmentFileExt))
}

// segmentIDs returns every segment id present in dir, sorted ascending —
// the order replay and appends both rely on.
func segmentIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("metastore: read segment dir: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *segmentLog) rotate() error {
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return fmt.Errorf("metastore: close segment %d: %w", s.activeID, err)
		}
	}
	s.activeID++
	f, err := os.Create(segmentPath(s.dir, s.activeID))
	if err != nil {
		return fmt.Errorf("metastore: create segment %d: %w", s.activeID, err)
	}
	s.active = f
	return nil
}

// Append writes a single action's encoded record to the active segment,
// rotating to a fresh segment first if the active one has already crossed
// maxSegmentSize. It does not fsync; callers fsync at a commit boundary.
func (s *segmentLog) Append(a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := s.active.Stat()
	if err != nil {
		return fmt.Errorf("metastore: stat active segment: %w", err)
	}
	if stat.Size() >= s.maxSegmentSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	return a.Encode(s.active)
}

func (s *segmentLog) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("metastore: sync active segment: %w", err)
	}
	return nil
}

func (s *segmentLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Close()
}

// replayAll decodes every action from every segment in dir, oldest first,
// tolerating a truncated or corrupt tail record in the newest segment the
// same way a single-file WAL tolerates crash-truncation.
func replayAll(dir string) ([]Action, error) {
	ids, err := segmentIDs(dir)
	if err != nil {
		return nil, err
	}

	var actions []Action
	for _, id := range ids {
		f, err := os.Open(segmentPath(dir, id))
		if err != nil {
			return nil, fmt.Errorf("metastore: open segment %d for replay: %w", id, err)
		}
		for {
			a, err := Decode(f)
			if err != nil {
				break
			}
			actions = append(actions, a)
		}
		_ = f.Close()
	}
	return actions, nil
}
