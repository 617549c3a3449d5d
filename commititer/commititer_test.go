package commititer

import (
	"testing"

	"github.com/flashdb/tsdbcommit/memtable"
	"github.com/flashdb/tsdbcommit/table"
)

func buildMemtable() *memtable.SkipList[memtable.RowKey, table.Row] {
	mt := memtable.NewSkipListMemtable[memtable.RowKey, table.Row]()
	rows := []struct {
		uid uint64
		ts  int64
	}{
		{1, 100}, {1, 200}, {1, 300},
		{2, 50}, {2, 150},
		{3, 10},
	}
	for _, r := range rows {
		mt.Put(memtable.EncodeRowKey(r.uid, r.ts), table.Row{UID: r.uid, TS: r.ts})
	}
	return mt
}

func TestIterStopsAtTableBoundary(t *testing.T) {
	mt := buildMemtable()
	it := New(mt, 1)
	defer it.Close()

	var got []int64
	for {
		ts, row, ok := it.Peek()
		if !ok {
			break
		}
		if row.UID != 1 {
			t.Fatalf("leaked row from another table: %+v", row)
		}
		got = append(got, ts)
		it.Pop()
	}

	want := []int64{100, 200, 300}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestIterHasKeyInRange(t *testing.T) {
	mt := buildMemtable()
	it := New(mt, 2)
	defer it.Close()

	if !it.HasKeyInRange(0, 100) {
		t.Fatal("expected row at ts=50 to be in range [0,100]")
	}
	it.Pop()
	if it.HasKeyInRange(0, 100) {
		t.Fatal("expected row at ts=150 to be out of range [0,100]")
	}
	if !it.HasKeyInRange(101, 200) {
		t.Fatal("expected row at ts=150 to be in range [101,200]")
	}
}

func TestSetCreateAndFor(t *testing.T) {
	mt := buildMemtable()
	tables := []table.Table{
		{TID: 10, UID: 1},
		{TID: 20, UID: 2},
	}
	set := Create(mt, tables)
	defer set.Close()

	if set.For(10) == nil || set.For(20) == nil {
		t.Fatal("expected iterators for both tables")
	}
	if set.For(99) != nil {
		t.Fatal("expected nil for unknown table id")
	}

	ts, row, ok := set.For(10).Peek()
	if !ok || ts != 100 || row.UID != 1 {
		t.Fatalf("unexpected peek: ts=%d row=%+v ok=%v", ts, row, ok)
	}
}

func TestEmptyTableIterator(t *testing.T) {
	mt := buildMemtable()
	it := New(mt, 999)
	defer it.Close()

	if _, _, ok := it.Peek(); ok {
		t.Fatal("expected no rows for an unknown uid")
	}
}
