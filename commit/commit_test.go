package commit

import (
	"os"
	"testing"

	"github.com/flashdb/tsdbcommit/block"
	"github.com/flashdb/tsdbcommit/config"
	"github.com/flashdb/tsdbcommit/filegroup"
	"github.com/flashdb/tsdbcommit/memtable"
	"github.com/flashdb/tsdbcommit/retention"
	"github.com/flashdb/tsdbcommit/table"
)

func testConfig() config.Config {
	return config.Config{
		DaysPerFile:         1,
		Precision:           config.PrecisionMillisecond,
		Keep:                3650,
		MaxRowsPerFileBlock: 1000,
		MinRowsPerFileBlock: 10,
		WarmAfterDays:       7,
		ColdAfterDays:       30,
	}
}

func schemaFixture() table.Schema {
	return table.Schema{Columns: []table.ColumnDef{{ID: 1, Name: "v", Type: table.ColInt64}}}
}

func TestOrchestratorCommitsTwoFileIds(t *testing.T) {
	dir := t.TempDir()
	reg, _, err := filegroup.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	planner := retention.NewPlanner(cfg, 0)
	orch := New(cfg, reg, planner)

	mt := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	day := cfg.Precision.TicksPerDay()

	tbl := table.Table{TID: 1, UID: 7, Name: "sensor", Schema: schemaFixture()}

	// fid 0: a few rows in day 0.
	for i := int64(0); i < 5; i++ {
		ts := i * 1000
		mt.Put(memtable.EncodeRowKey(tbl.UID, ts), table.Row{UID: tbl.UID, TS: ts, Values: []table.Cell{{I64: i}}})
	}
	// fid 2: a few rows two days later.
	for i := int64(0); i < 5; i++ {
		ts := 2*day + i*1000
		mt.Put(memtable.EncodeRowKey(tbl.UID, ts), table.Row{UID: tbl.UID, TS: ts, Values: []table.Cell{{I64: 100 + i}}})
	}

	stats, err := orch.Commit(mt, []table.Table{tbl}, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FileIDsWritten != 2 || stats.RowsCommitted != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if !reg.Exists(0) {
		t.Fatal("expected fid 0 to have been committed")
	}
	if reg.Exists(1) {
		t.Fatal("fid 1 has no in-range data and should have been skipped entirely")
	}
	if !reg.Exists(2) {
		t.Fatal("expected fid 2 to have been committed")
	}

	g0 := reg.Group(0)
	headBytes := readFile(t, g0.Head)
	_, infos, err := decodeHeadForTest(headBytes)
	if err != nil {
		t.Fatal(err)
	}
	info := infos[tbl.TID]
	if len(info.Blocks) != 1 || info.Blocks[0].NumOfRows != 5 {
		t.Fatalf("unexpected fid-0 block info: %+v", info)
	}
}

func TestOrchestratorUpsertLaterValueWins(t *testing.T) {
	dir := t.TempDir()
	reg, _, err := filegroup.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	planner := retention.NewPlanner(cfg, 0)
	orch := New(cfg, reg, planner)

	mt := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	tbl := table.Table{TID: 1, UID: 7, Name: "sensor", Schema: schemaFixture()}

	mt.Put(memtable.EncodeRowKey(tbl.UID, 1000), table.Row{UID: tbl.UID, TS: 1000, Values: []table.Cell{{I64: 1}}})
	mt.Put(memtable.EncodeRowKey(tbl.UID, 1000), table.Row{UID: tbl.UID, TS: 1000, Values: []table.Cell{{I64: 2}}})

	stats, err := orch.Commit(mt, []table.Table{tbl}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RowsCommitted != 1 {
		t.Fatalf("expected exactly one row after upsert, got %d", stats.RowsCommitted)
	}

	g := reg.Group(0)
	headBytes := readFile(t, g.Head)
	_, infos, err := decodeHeadForTest(headBytes)
	if err != nil {
		t.Fatal(err)
	}
	info := infos[tbl.TID]
	if len(info.Blocks) != 1 || info.Blocks[0].NumOfRows != 1 {
		t.Fatalf("expected one single-row block, got %+v", info)
	}
	payload := readFile(t, g.Data)
	_, rows, err := block.DecodeBlockData(payload, tbl.Schema, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0][0].I64 != 2 {
		t.Fatalf("expected upsert to keep the later value 2, got %+v", rows[0][0])
	}
}

func TestOrchestratorMergesLaterCommitIntoTrailingBlockAcrossCommits(t *testing.T) {
	dir := t.TempDir()
	reg, _, err := filegroup.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	planner := retention.NewPlanner(cfg, 0)
	orch := New(cfg, reg, planner)
	tbl := table.Table{TID: 1, UID: 7, Name: "sensor", Schema: schemaFixture()}

	mt1 := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	mt1.Put(memtable.EncodeRowKey(tbl.UID, 1000), table.Row{UID: tbl.UID, TS: 1000, Values: []table.Cell{{I64: 1}}})
	if stats, err := orch.Commit(mt1, []table.Table{tbl}, 0, 0); err != nil || stats.RowsCommitted != 1 {
		t.Fatalf("unexpected first commit result: stats=%+v err=%v", stats, err)
	}

	// Second commit updates the already-committed key (1000) and adds a new
	// one (1001). This must merge into the prior trailing block rather than
	// writing a second, key-overlapping block.
	mt2 := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	mt2.Put(memtable.EncodeRowKey(tbl.UID, 1000), table.Row{UID: tbl.UID, TS: 1000, Values: []table.Cell{{I64: 99}}})
	mt2.Put(memtable.EncodeRowKey(tbl.UID, 1001), table.Row{UID: tbl.UID, TS: 1001, Values: []table.Cell{{I64: 2}}})
	stats, err := orch.Commit(mt2, []table.Table{tbl}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RowsCommitted != 2 {
		t.Fatalf("expected 2 newly-applied rows, got %+v", stats)
	}

	g := reg.Group(0)
	headBytes := readFile(t, g.Head)
	_, infos, err := decodeHeadForTest(headBytes)
	if err != nil {
		t.Fatal(err)
	}
	info := infos[tbl.TID]
	if len(info.Blocks) != 1 {
		t.Fatalf("expected the merge to produce exactly one block, got %d: %+v", len(info.Blocks), info.Blocks)
	}
	if info.Blocks[0].NumOfRows != 2 {
		t.Fatalf("expected the merged block to hold 2 rows, got %+v", info.Blocks[0])
	}
	if info.Blocks[0].KeyFirst != 1000 || info.Blocks[0].KeyLast != 1001 {
		t.Fatalf("expected a single non-overlapping key range [1000,1001], got %+v", info.Blocks[0])
	}

	payload := readFile(t, g.Data)
	keys, rows, err := block.DecodeBlockData(payload[info.Blocks[0].Offset:int64(info.Blocks[0].Offset)+int64(info.Blocks[0].Len)], tbl.Schema, 2)
	if err != nil {
		t.Fatal(err)
	}
	if keys[0] != 1000 || rows[0][0].I64 != 99 {
		t.Fatalf("expected the later write (99) to win for key 1000, got keys=%v rows=%+v", keys, rows)
	}
	if keys[1] != 1001 || rows[1][0].I64 != 2 {
		t.Fatalf("expected key 1001 to carry its new value 2, got keys=%v rows=%+v", keys, rows)
	}
}

func TestOrchestratorDiscardsShadowsOnFailureAndLeavesPriorGroupIntact(t *testing.T) {
	dir := t.TempDir()
	reg, _, err := filegroup.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	planner := retention.NewPlanner(cfg, 0)
	orch := New(cfg, reg, planner)

	mt := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	tbl := table.Table{TID: 1, UID: 7, Name: "sensor", Schema: schemaFixture()}
	mt.Put(memtable.EncodeRowKey(tbl.UID, 1000), table.Row{UID: tbl.UID, TS: 1000, Values: []table.Cell{{I64: 1}}})

	if _, err := orch.Commit(mt, []table.Table{tbl}, 0, 0); err != nil {
		t.Fatal(err)
	}
	priorHead := readFile(t, reg.Group(0).Head)

	// Inject a failure at the point writehelper.Close tries to write the new
	// HEAD shadow: replace its path with a directory so os.WriteFile fails,
	// simulating an IO error after some blocks have already been appended
	// (spec.md §8 scenario S6 / invariant 6: crash/abort must not publish a
	// partial file-id).
	if err := os.MkdirAll(reg.ShadowHead(0), 0o755); err != nil {
		t.Fatal(err)
	}

	mt2 := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	mt2.Put(memtable.EncodeRowKey(tbl.UID, 1001), table.Row{UID: tbl.UID, TS: 1001, Values: []table.Cell{{I64: 2}}})

	if _, err := orch.Commit(mt2, []table.Table{tbl}, 0, 0); err == nil {
		t.Fatal("expected the injected IO failure to surface as a commit error")
	}

	if _, err := os.Stat(reg.ShadowHead(0)); !os.IsNotExist(err) {
		// Discard cleans up the shadow it couldn't finish writing; the
		// planted directory is empty so DiscardShadows's os.Remove succeeds.
		t.Fatalf("expected shadow path cleaned up after discard, stat err: %v", err)
	}
	if got := readFile(t, reg.Group(0).Head); string(got) != string(priorHead) {
		t.Fatal("expected the live HEAD from the prior successful commit to be unchanged")
	}
	payload := readFile(t, reg.Group(0).Data)
	_, rows, err := block.DecodeBlockData(payload, tbl.Schema, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][0].I64 != 1 {
		t.Fatal("expected DATA to be truncated back to its pre-failure contents")
	}
}

func TestOrchestratorEmptyCommitIsNoop(t *testing.T) {
	dir := t.TempDir()
	reg, _, err := filegroup.NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	planner := retention.NewPlanner(cfg, 0)
	orch := New(cfg, reg, planner)

	mt := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	tbl := table.Table{TID: 1, UID: 1, Name: "empty", Schema: schemaFixture()}

	stats, err := orch.Commit(mt, []table.Table{tbl}, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FileIDsWritten != 0 || stats.RowsCommitted != 0 {
		t.Fatalf("expected zero stats for an empty commit, got %+v", stats)
	}
	for fid := int64(0); fid <= 5; fid++ {
		if reg.Exists(fid) {
			t.Fatalf("expected no files written for an empty commit, found fid %d", fid)
		}
	}
}

// decodeHeadForTest reimplements just enough of writehelper's private head
// decoding to assert on test fixtures without exporting internals purely
// for test visibility.
func decodeHeadForTest(data []byte) (map[int32]block.SBlockIdx, map[int32]*block.SBlockInfo, error) {
	idxs := map[int32]block.SBlockIdx{}
	infos := map[int32]*block.SBlockInfo{}
	if len(data) < 4 {
		return idxs, infos, nil
	}
	count := int(le32(data[0:4]))
	pos := 4
	order := make([]block.SBlockIdx, 0, count)
	for i := 0; i < count; i++ {
		idx, n, err := block.DecodeSBlockIdx(data[pos:])
		if err != nil {
			return nil, nil, err
		}
		idxs[idx.TID] = idx
		order = append(order, idx)
		pos += n
	}
	for _, idx := range order {
		info, err := block.DecodeSBlockInfo(data[idx.Offset:idx.Offset+idx.Len], int(idx.NumOfBlocks))
		if err != nil {
			return nil, nil, err
		}
		infos[idx.TID] = &info
	}
	return idxs, infos, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
