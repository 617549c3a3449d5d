// Package commit implements the TS committer orchestrator: the per-file-id
// loop that drives retention, commititer, writehelper, and filegroup
// together into one commit (spec.md §4.5), grounded on
// original_source/tsdb/src/tsdbCommitData's sfid..efid loop and
// tsdbCommitToFile's shadow-then-rename sequence.
package commit

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flashdb/tsdbcommit/block"
	"github.com/flashdb/tsdbcommit/commititer"
	"github.com/flashdb/tsdbcommit/compress"
	"github.com/flashdb/tsdbcommit/config"
	"github.com/flashdb/tsdbcommit/filegroup"
	"github.com/flashdb/tsdbcommit/retention"
	"github.com/flashdb/tsdbcommit/table"
	"github.com/flashdb/tsdbcommit/writehelper"
)

// Kind classifies a commit failure, mirroring spec.md §7's error taxonomy.
type Kind uint8

const (
	KindOOM Kind = iota
	KindIO
	KindCorruptOnDisk
	KindSchemaMismatch
	KindUnsupportedAlgorithm
	KindMetaStoreError
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindOOM:
		return "OOM"
	case KindIO:
		return "IO"
	case KindCorruptOnDisk:
		return "CorruptOnDisk"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindUnsupportedAlgorithm:
		return "UnsupportedAlgorithm"
	case KindMetaStoreError:
		return "MetaStoreError"
	case KindInvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Error wraps a commit failure with its taxonomy Kind and the file-id (if
// any) it occurred on.
type Error struct {
	Kind Kind
	Fid  int64
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("commit: %s at fid %d: %v", e.Kind, e.Fid, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, fid int64, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Fid: fid, Err: err}
}

// Source is what Orchestrator reads committed rows from.
type Source = commititer.Source

// Stats summarizes one Commit call's work, for the caller's metrics
// (spec.md §6 ambient observability stack).
type Stats struct {
	FileIDsWritten int
	RowsCommitted  int
}

// Orchestrator runs one commit across every file-id a batch of tables'
// in-range rows touch.
type Orchestrator struct {
	Cfg      config.Config
	Registry *filegroup.Registry
	Planner  *retention.Planner
	AlgoFor  block.AlgoFunc
	Logger   log.Logger
}

// New builds an Orchestrator with a default type-driven compression choice.
func New(cfg config.Config, reg *filegroup.Registry, planner *retention.Planner) *Orchestrator {
	return &Orchestrator{
		Cfg:      cfg,
		Registry: reg,
		Planner:  planner,
		AlgoFor:  defaultAlgoFor,
		Logger:   log.NewNopLogger(),
	}
}

func defaultAlgoFor(def table.ColumnDef) compress.Tag {
	switch def.Type {
	case table.ColInt64:
		return compress.Delta
	case table.ColFloat64:
		return compress.LZ
	default:
		return compress.None
	}
}

// Commit runs the TS committer orchestration over [sfid, efid] for the
// given tables, reading each table's rows from mt. It processes file-ids in
// increasing order, running RemoveBeyondRetention for every file-id and
// then skipping any with no in-range data; for each touched file-id it
// opens the write helper, commits each table in turn, closes the helper,
// and publishes its shadows atomically (spec.md §4.5 steps 1-6).
func (o *Orchestrator) Commit(mt Source, tables []table.Table, sfid, efid int64) (Stats, error) {
	var stats Stats
	iters := commititer.Create(mt, tables)
	defer iters.Close()

	for fid := sfid; fid <= efid; fid++ {
		minKey, maxKey := o.Cfg.KeyRange(fid)

		// Retention deletion errors are logged and do not fail the commit:
		// the expired group simply remains on disk and the next commit's
		// pre-write pass retries it (spec.md §7).
		if _, err := retention.RemoveBeyondRetention(o.Planner, o.Registry, fid); err != nil {
			level.Error(o.Logger).Log("msg", "retention: remove beyond retention failed, will retry on next commit", "fid", fid, "err", err)
		}

		anyInRange := false
		for _, t := range tables {
			if it := iters.For(t.TID); it != nil && it.HasKeyInRange(minKey, maxKey) {
				anyInRange = true
				break
			}
		}
		if !anyInRange {
			continue
		}

		rows, err := o.commitFile(iters, tables, fid, minKey, maxKey)
		if err != nil {
			return stats, err
		}
		stats.FileIDsWritten++
		stats.RowsCommitted += rows
		o.Planner.Mark(fid)
	}

	if _, err := retention.Apply(o.Planner, o.Registry, efid); err != nil {
		level.Error(o.Logger).Log("msg", "retention: apply failed, will retry on next commit", "fid", efid, "err", err)
	}
	return stats, nil
}

func (o *Orchestrator) commitFile(iters *commititer.Set, tables []table.Table, fid, minKey, maxKey int64) (int, error) {
	h := writehelper.New(o.Registry, o.Cfg)
	if err := h.Open(fid); err != nil {
		return 0, wrap(KindIO, fid, err)
	}
	if err := h.LoadIndex(); err != nil {
		_ = h.Discard()
		return 0, wrap(KindCorruptOnDisk, fid, err)
	}

	rows := 0
	for _, t := range tables {
		it := iters.For(t.TID)
		if it == nil || !it.HasKeyInRange(minKey, maxKey) {
			continue
		}
		n, err := o.commitTable(h, it, t, minKey, maxKey)
		if err != nil {
			_ = h.Discard()
			return 0, err
		}
		rows += n
	}

	if err := h.Close(); err != nil {
		_ = h.Discard()
		return 0, wrap(KindIO, fid, err)
	}
	if err := o.Registry.CommitShadows(fid); err != nil {
		return 0, wrap(KindIO, fid, err)
	}
	if err := h.Finish(); err != nil {
		return 0, wrap(KindIO, fid, err)
	}
	return rows, nil
}

// commitTable drives one table's share of a file-id's commit. Before
// consuming any new rows it pulls back the table's trailing on-disk block
// if the previous commit left it marked Last (writehelper.TakeTrailingBlock)
// and merge-scans its rows against the new commit's iterator: spec.md §4.2
// step 1/step 4 ("later-iter value wins over earlier on-disk value" /
// moveLastBlockIfNeccessary). Without this, a later commit updating a key
// already flushed to disk would produce a second, key-overlapping block
// instead of replacing the stale value in place.
func (o *Orchestrator) commitTable(h *writehelper.Helper, it *commititer.Iter, t table.Table, minKey, maxKey int64) (int, error) {
	if err := h.SetTable(t); err != nil {
		return 0, wrap(KindInvariantViolation, 0, err)
	}

	seedKeys, seedRows, err := h.TakeTrailingBlock(t)
	if err != nil {
		return 0, wrap(KindCorruptOnDisk, 0, err)
	}

	dc := table.NewDataCols(o.Cfg.MaxRowsPerFileBlock)
	dc.Reset(t.Schema)
	rows := 0
	si := 0

	appendRow := func(ts int64, values []table.Cell) error {
		if err := dc.Append(ts, values); err != nil {
			return wrap(KindInvariantViolation, 0, err)
		}
		if dc.Full() {
			if err := h.CommitTableData(dc, o.AlgoFor); err != nil {
				return wrap(KindIO, 0, err)
			}
			if err := h.SetTable(t); err != nil {
				return wrap(KindInvariantViolation, 0, err)
			}
			dc.Clear()
		}
		return nil
	}

	for {
		ts, row, ok := it.Peek()
		for ok && ts < minKey {
			it.Pop()
			ts, row, ok = it.Peek()
		}
		hasNew := ok && ts <= maxKey
		hasSeed := si < len(seedKeys)
		if !hasNew && !hasSeed {
			break
		}

		switch {
		case hasSeed && (!hasNew || seedKeys[si] < ts):
			// A stale on-disk row the new commit never touches: carry it
			// forward unchanged.
			if err := appendRow(seedKeys[si], seedRows[si]); err != nil {
				return 0, err
			}
			si++
		case hasNew && (!hasSeed || ts < seedKeys[si]):
			if len(row.Values) != len(t.Schema.Columns) {
				return 0, wrap(KindSchemaMismatch, 0, fmt.Errorf("table %d: row has %d values, schema has %d columns", t.TID, len(row.Values), len(t.Schema.Columns)))
			}
			if err := appendRow(ts, row.Values); err != nil {
				return 0, err
			}
			it.Pop()
			rows++
		default:
			// Same key on both sides: the new commit's value wins, the
			// on-disk one is dropped.
			if len(row.Values) != len(t.Schema.Columns) {
				return 0, wrap(KindSchemaMismatch, 0, fmt.Errorf("table %d: row has %d values, schema has %d columns", t.TID, len(row.Values), len(t.Schema.Columns)))
			}
			if err := appendRow(ts, row.Values); err != nil {
				return 0, err
			}
			it.Pop()
			si++
			rows++
		}
	}

	if err := h.CommitTableData(dc, o.AlgoFor); err != nil {
		return 0, wrap(KindIO, 0, err)
	}
	return rows, nil
}
