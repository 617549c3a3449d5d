// Package commititer provides one seekable, single-consumer cursor per
// table over the repository's shared memtable, the Go equivalent of
// original_source/tsdb/src/tsdbCommit.c's tsdbCreateCommitIters /
// tsdbSeekCommitIter / tsdbDestroyCommitIters (spec.md §4.3). Rows for every
// table share one skip list ordered by (uid, ts); each iterator seeks to its
// own uid's first key and stops as soon as it would cross into another
// table's rows.
package commititer

import (
	"iter"

	"github.com/flashdb/tsdbcommit/memtable"
	"github.com/flashdb/tsdbcommit/table"
)

// Source is the subset of memtable.SkipList the commit pipeline needs; it
// lets tests substitute a fixture without pulling in the whole memtable
// package's generic surface.
type Source interface {
	Seek(from memtable.RowKey) iter.Seq[memtable.Record[memtable.RowKey, table.Row]]
}

// Iter is one table's cursor. It is not safe for concurrent use — spec.md
// §5 assigns each table's commit iterator to the single dedicated commit
// goroutine.
type Iter struct {
	uid      uint64
	next     func() (memtable.Record[memtable.RowKey, table.Row], bool)
	stop     func()
	buffered *memtable.Record[memtable.RowKey, table.Row]
	done     bool
}

// New seeks straight to uid's first row without scanning any preceding
// table's rows, using the skip list's own level-descent search.
func New(src Source, uid uint64) *Iter {
	next, stop := iter.Pull(src.Seek(memtable.MinRowKey(uid)))
	return &Iter{uid: uid, next: next, stop: stop}
}

func (it *Iter) fill() {
	if it.buffered != nil || it.done {
		return
	}
	rec, ok := it.next()
	if !ok {
		it.done = true
		return
	}
	uid, _ := memtable.DecodeRowKey(rec.Key)
	if uid != it.uid {
		// Crossed into the next table's rows; this cursor is exhausted.
		it.done = true
		it.stop()
		return
	}
	it.buffered = &rec
}

// Peek returns the next unconsumed row's timestamp and value without
// advancing the cursor.
func (it *Iter) Peek() (ts int64, row table.Row, ok bool) {
	it.fill()
	if it.buffered == nil {
		return 0, table.Row{}, false
	}
	_, ts = memtable.DecodeRowKey(it.buffered.Key)
	return ts, it.buffered.Value, true
}

// Pop discards the currently peeked row so the next Peek/HasKeyInRange
// advances to the following one.
func (it *Iter) Pop() {
	it.buffered = nil
}

// HasKeyInRange reports whether the next unconsumed row's timestamp falls
// within [minKey, maxKey], the check tsdbHasDataToCommit uses to decide
// whether a file-id needs writing at all.
func (it *Iter) HasKeyInRange(minKey, maxKey int64) bool {
	ts, _, ok := it.Peek()
	return ok && ts >= minKey && ts <= maxKey
}

// Close releases the underlying pull iterator's goroutine. Safe to call
// more than once.
func (it *Iter) Close() {
	if !it.done {
		it.done = true
		it.stop()
	}
}

// Set is the per-commit collection of one Iter per table being committed,
// created once per commit and torn down when the commit ends (spec.md §4.3
// "scoped iterator cleanup").
type Set struct {
	byTID map[int32]*Iter
}

// Create builds one Iter per table, each seeked to its own uid.
func Create(src Source, tables []table.Table) *Set {
	s := &Set{byTID: make(map[int32]*Iter, len(tables))}
	for _, t := range tables {
		s.byTID[t.TID] = New(src, t.UID)
	}
	return s
}

// For returns the iterator for a given table id, or nil if that table isn't
// part of this commit.
func (s *Set) For(tid int32) *Iter {
	return s.byTID[tid]
}

// Close closes every iterator in the set.
func (s *Set) Close() {
	for _, it := range s.byTID {
		it.Close()
	}
}
