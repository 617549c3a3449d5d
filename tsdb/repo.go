// Package tsdb ties the commit pipeline's packages together into one
// repository: a mutable memtable fed by Insert, flushed by a single
// dedicated commit goroutine into file-id-partitioned DATA/HEAD/LAST
// triples (spec.md §5). Repo.Open's ordered component bring-up and
// Repo.Close's reverse-order teardown are grounded on
// original_source/mnode/src/mnodeMain.c's SMnodeComponent array pattern —
// out of scope as its own component per spec.md, but the init/cleanup
// shape it uses is a good fit for bringing up this repo's own pieces in a
// defined order and tearing them down in reverse on any failure.
package tsdb

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flashdb/tsdbcommit/commit"
	"github.com/flashdb/tsdbcommit/config"
	"github.com/flashdb/tsdbcommit/filegroup"
	"github.com/flashdb/tsdbcommit/memtable"
	"github.com/flashdb/tsdbcommit/metastore"
	"github.com/flashdb/tsdbcommit/retention"
	"github.com/flashdb/tsdbcommit/table"
)

// NotifyFunc is called after every commit cycle, successful or not, the
// generalization of the original's appH table-change callback (spec.md §9
// "appH -> NotifyFunc").
type NotifyFunc func(sfid, efid int64, err error)

// Options configure Open.
type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer
	Notify     NotifyFunc
	MetricsNS  string
}

// Repo is one open time-series repository.
type Repo struct {
	cfg config.Config
	dir string

	mu       sync.Mutex
	mt       *memtable.SkipList[memtable.RowKey, table.Row]
	mtRows   int
	minTS    int64
	maxTS    int64
	hasRows  bool
	tables   map[int32]table.Table

	reg     *filegroup.Registry
	planner *retention.Planner
	orch    *commit.Orchestrator
	meta    *metastore.Committer
	metaKV  metastore.KVStore

	logger  log.Logger
	metrics *metrics
	notify  NotifyFunc

	commitCh chan commitRequest
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

type commitRequest struct {
	imt    *memtable.SkipList[memtable.RowKey, table.Row]
	tables []table.Table
	sfid   int64
	efid   int64
	done   chan error
}

// Open brings up a repository at dir in a fixed order — file-group
// registry, retention planner, meta committer (replaying its action log),
// then the commit orchestrator and its goroutine — unwinding whatever was
// already started if a later step fails.
func Open(dir string, cfg config.Config, opts Options) (repo *Repo, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tsdb: invalid config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.MetricsNS == "" {
		opts.MetricsNS = "tsdbcommit"
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	var cleanups []func()
	defer func() {
		if err != nil {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
	}()

	reg, fids, err := filegroup.NewRegistry(dir)
	if err != nil {
		return nil, fmt.Errorf("tsdb: open file-group registry: %w", err)
	}

	var minFid int64
	if len(fids) > 0 {
		minFid = fids[0]
	}
	planner := retention.NewPlanner(cfg, minFid)
	for _, fid := range fids {
		planner.Mark(fid)
	}

	meta, metaKV, err := metastore.NewCommitter(filepath.Join(dir, "meta"))
	if err != nil {
		return nil, fmt.Errorf("tsdb: open meta committer: %w", err)
	}
	cleanups = append(cleanups, func() { _ = meta.Close() })

	orch := commit.New(cfg, reg, planner)
	orch.Logger = opts.Logger

	r := &Repo{
		cfg:      cfg,
		dir:      dir,
		mt:       memtable.NewSkipListMemtable[memtable.RowKey, table.Row](),
		tables:   make(map[int32]table.Table),
		reg:      reg,
		planner:  planner,
		orch:     orch,
		meta:     meta,
		metaKV:   metaKV,
		logger:   opts.Logger,
		metrics:  newMetrics(opts.Registerer, opts.MetricsNS),
		notify:   opts.Notify,
		commitCh: make(chan commitRequest),
		closeCh:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.loop()
	cleanups = append(cleanups, func() { close(r.closeCh); r.wg.Wait() })

	level.Info(r.logger).Log("msg", "tsdb repo opened", "dir", dir, "file_ids", len(fids))
	return r, nil
}

// CreateTable registers a table and durably logs its name under its TID via
// the meta committer (spec.md §4.4). The schema is not logged, and Open does
// not rebuild the in-memory table set from the log: a reopened repo sees the
// logged names only through its meta KV store.
func (r *Repo) CreateTable(t table.Table) error {
	r.mu.Lock()
	if _, exists := r.tables[t.TID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("tsdb: table %d already exists", t.TID)
	}
	r.tables[t.TID] = t
	r.mu.Unlock()

	if err := r.meta.StartCommit(); err != nil {
		return err
	}
	key := tableKey(t.TID)
	if err := r.meta.Apply(metastore.Action{Type: metastore.ActionUpdateMeta, Key: key, Value: []byte(t.Name)}); err != nil {
		return err
	}
	return r.meta.EndCommit()
}

// DropTable removes a table's registration and logs the drop.
func (r *Repo) DropTable(tid int32) error {
	r.mu.Lock()
	delete(r.tables, tid)
	r.mu.Unlock()

	if err := r.meta.StartCommit(); err != nil {
		return err
	}
	if err := r.meta.Apply(metastore.Action{Type: metastore.ActionDropMeta, Key: tableKey(tid)}); err != nil {
		return err
	}
	return r.meta.EndCommit()
}

func tableKey(tid int32) []byte {
	return []byte(fmt.Sprintf("table:%d", tid))
}

// Insert buffers one row into the active memtable.
func (r *Repo) Insert(tid int32, ts int64, values []table.Cell) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[tid]
	if !ok {
		return fmt.Errorf("tsdb: unknown table %d", tid)
	}
	if len(values) != len(t.Schema.Columns) {
		return fmt.Errorf("tsdb: row has %d values, table %d schema has %d columns", len(values), tid, len(t.Schema.Columns))
	}

	r.mt.Put(memtable.EncodeRowKey(t.UID, ts), table.Row{UID: t.UID, TS: ts, Values: values})
	if !r.hasRows || ts < r.minTS {
		r.minTS = ts
	}
	if !r.hasRows || ts > r.maxTS {
		r.maxTS = ts
	}
	r.hasRows = true
	r.mtRows++
	r.metrics.memtableBytes.Set(float64(r.mtRows))
	return nil
}

// Commit flushes the current memtable by swapping it out, computing the
// file-id range its rows span, and handing the swapped-out memtable to the
// single dedicated commit goroutine — blocking until that commit completes
// (spec.md §5's readyToCommit semaphore, realized here as an unbuffered
// request channel so only one commit is ever in flight).
func (r *Repo) Commit() error {
	r.mu.Lock()
	if !r.hasRows {
		r.mu.Unlock()
		return nil
	}
	imt := r.mt
	sfid, efid := r.cfg.FID(r.minTS), r.cfg.FID(r.maxTS)
	tables := make([]table.Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}

	r.mt = memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	r.mtRows = 0
	r.hasRows = false
	r.metrics.memtableBytes.Set(0)
	r.mu.Unlock()

	done := make(chan error, 1)
	r.commitCh <- commitRequest{imt: imt, tables: tables, sfid: sfid, efid: efid, done: done}
	return <-done
}

func (r *Repo) loop() {
	defer r.wg.Done()
	for {
		select {
		case req := <-r.commitCh:
			r.runCommit(req)
		case <-r.closeCh:
			return
		}
	}
}

func (r *Repo) runCommit(req commitRequest) {
	start := time.Now()
	stats, err := r.orch.Commit(req.imt, req.tables, req.sfid, req.efid)
	r.metrics.commitDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		kind := "unknown"
		var ce *commit.Error
		if asCommitError(err, &ce) {
			kind = ce.Kind.String()
		}
		r.metrics.commitErrorsTotal.WithLabelValues(kind).Inc()
		level.Error(r.logger).Log("msg", "commit failed", "sfid", req.sfid, "efid", req.efid, "err", err)
	} else {
		r.metrics.commitsTotal.Inc()
		r.metrics.fileIDsWritten.Add(float64(stats.FileIDsWritten))
		r.metrics.rowsCommitted.Add(float64(stats.RowsCommitted))
		level.Debug(r.logger).Log("msg", "commit complete", "sfid", req.sfid, "efid", req.efid, "file_ids_written", stats.FileIDsWritten, "rows_committed", stats.RowsCommitted)
	}

	if r.notify != nil {
		r.notify(req.sfid, req.efid, err)
	}
	req.done <- err
}

func asCommitError(err error, out **commit.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ce, ok := e.(*commit.Error); ok {
			*out = ce
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// Close flushes any buffered rows, stops the commit goroutine, and closes
// the meta committer, in the reverse of Open's bring-up order.
func (r *Repo) Close() error {
	if err := r.Commit(); err != nil {
		level.Error(r.logger).Log("msg", "final flush failed on close", "err", err)
	}
	close(r.closeCh)
	r.wg.Wait()
	return r.meta.Close()
}
