package tsdb

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flashdb/tsdbcommit/config"
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

func TestOpenCreateInsertCommitClose(t *testing.T) {
	dir := t.TempDir()

	var notified bool
	var notifiedErr error
	repo, err := Open(dir, testConfig(), Options{
		Registerer: prometheus.NewRegistry(),
		Notify: func(sfid, efid int64, err error) {
			notified = true
			notifiedErr = err
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tbl := table.Table{TID: 1, UID: 100, Name: "sensor", Schema: schemaFixture()}
	if err := repo.CreateTable(tbl); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateTable(tbl); err == nil {
		t.Fatal("expected error creating the same table twice")
	}

	for i := int64(0); i < 50; i++ {
		if err := repo.Insert(tbl.TID, i*1000, []table.Cell{{I64: i}}); err != nil {
			t.Fatal(err)
		}
	}

	if err := repo.Commit(); err != nil {
		t.Fatal(err)
	}
	if !notified {
		t.Fatal("expected Notify to be called after commit")
	}
	if notifiedErr != nil {
		t.Fatalf("expected successful commit, got %v", notifiedErr)
	}

	if !repo.reg.Exists(0) {
		t.Fatal("expected fid 0 to have been written")
	}

	if err := repo.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertUnknownTable(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open(dir, testConfig(), Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	if err := repo.Insert(99, 0, nil); err == nil {
		t.Fatal("expected error inserting into an unknown table")
	}
}

func TestCommitWithNoRowsIsNoop(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open(dir, testConfig(), Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	if err := repo.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestReopenRecoversTableRegistrationLog(t *testing.T) {
	dir := t.TempDir()
	tbl := table.Table{TID: 1, UID: 1, Name: "sensor", Schema: schemaFixture()}

	repo1, err := Open(dir, testConfig(), Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo1.CreateTable(tbl); err != nil {
		t.Fatal(err)
	}
	if err := repo1.Close(); err != nil {
		t.Fatal(err)
	}

	repo2, err := Open(dir, testConfig(), Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	defer repo2.Close()

	if v, ok := repo2.metaKV.Get(tableKey(tbl.TID)); !ok || string(v) != tbl.Name {
		t.Fatalf("expected meta log to have recovered table name, got (%q,%v)", v, ok)
	}
}
