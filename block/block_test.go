package block

import (
	"testing"

	"github.com/flashdb/tsdbcommit/compress"
	"github.com/flashdb/tsdbcommit/table"
)

func TestPackLastOffset(t *testing.T) {
	cases := []struct {
		last   bool
		offset int64
	}{
		{true, 0}, {false, 0}, {true, 123456789}, {false, 1<<62 - 1},
	}
	for _, c := range cases {
		v := packLastOffset(c.last, c.offset)
		gotLast, gotOffset := unpackLastOffset(v)
		if gotLast != c.last || gotOffset != c.offset {
			t.Fatalf("packLastOffset(%v,%d) round trip = (%v,%d)", c.last, c.offset, gotLast, gotOffset)
		}
	}
}

func TestPackAlgoRows(t *testing.T) {
	v := packAlgoRows(compress.LZ, 16_000_000)
	algo, rows := unpackAlgoRows(v)
	if algo != compress.LZ || rows != 16_000_000 {
		t.Fatalf("got (%v,%d)", algo, rows)
	}
}

func TestPackHasLastBlocks(t *testing.T) {
	v := packHasLastBlocks(1, 900_000_000)
	hasLast, n := unpackHasLastBlocks(v)
	if hasLast != 1 || n != 900_000_000 {
		t.Fatalf("got (%d,%d)", hasLast, n)
	}
}

func schemaFixture() table.Schema {
	return table.Schema{Columns: []table.ColumnDef{
		{ID: 1, Name: "temp", Type: table.ColInt64},
		{ID: 2, Name: "humidity", Type: table.ColFloat64},
		{ID: 3, Name: "ok", Type: table.ColBool},
		{ID: 4, Name: "note", Type: table.ColString},
	}}
}

func TestEncodeDecodeBlockDataRoundTrip(t *testing.T) {
	schema := schemaFixture()
	dc := table.NewDataCols(16)
	dc.Reset(schema)

	rows := []struct {
		ts   int64
		i    int64
		f    float64
		b    bool
		s    string
		nils [4]bool
	}{
		{1000, 10, 1.5, true, "a", [4]bool{}},
		{1001, -5, -2.25, false, "bb", [4]bool{}},
		{1002, 0, 0, false, "", [4]bool{false, true, false, true}},
		{1003, 99, 3.14, true, "ccc", [4]bool{}},
	}
	for _, r := range rows {
		vals := []table.Cell{
			{I64: r.i, Nil: r.nils[0]},
			{F64: r.f, Nil: r.nils[1]},
			{B: r.b, Nil: r.nils[2]},
			{S: r.s, Nil: r.nils[3]},
		}
		if err := dc.Append(r.ts, vals); err != nil {
			t.Fatal(err)
		}
	}

	payload, cols, err := EncodeBlockData(dc, 42, 0, dc.Len(), algoForType)
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != len(schema.Columns) {
		t.Fatalf("expected %d column stats, got %d", len(schema.Columns), len(cols))
	}

	keys, decoded, err := DecodeBlockData(payload, schema, dc.Len())
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range rows {
		if keys[i] != r.ts {
			t.Fatalf("row %d: key mismatch got %d want %d", i, keys[i], r.ts)
		}
		got := decoded[i]
		if got[0].Nil != r.nils[0] || (!r.nils[0] && got[0].I64 != r.i) {
			t.Fatalf("row %d int64 mismatch: %+v", i, got[0])
		}
		if got[1].Nil != r.nils[1] || (!r.nils[1] && got[1].F64 != r.f) {
			t.Fatalf("row %d float64 mismatch: %+v", i, got[1])
		}
		if got[2].Nil != r.nils[2] || (!r.nils[2] && got[2].B != r.b) {
			t.Fatalf("row %d bool mismatch: %+v", i, got[2])
		}
		if got[3].Nil != r.nils[3] || (!r.nils[3] && got[3].S != r.s) {
			t.Fatalf("row %d string mismatch: %+v", i, got[3])
		}
	}

	intStats := cols[0]
	if intStats.NumOfNull != 0 || intStats.Min != -5 || intStats.Max != 99 {
		t.Fatalf("unexpected int64 stats: %+v", intStats)
	}
	if intStats.MinIndex != 1 || intStats.MaxIndex != 3 {
		t.Fatalf("unexpected int64 min/max index: %+v", intStats)
	}

	stringStats := cols[3]
	if stringStats.NumOfNull != 1 {
		t.Fatalf("expected 1 null string, got %d", stringStats.NumOfNull)
	}
}

func TestSBlockInfoIdxRoundTrip(t *testing.T) {
	info := SBlockInfo{
		TID: 7,
		UID: 123456789,
		Blocks: []SBlock{
			{Last: false, Offset: 0, Algorithm: compress.LZ, NumOfRows: 500, Len: 2048, KeyLen: 4000, NumOfCols: 4, KeyFirst: 1000, KeyLast: 1499},
			{Last: true, Offset: 2048, Algorithm: compress.None, NumOfRows: 10, Len: 200, KeyLen: 80, NumOfCols: 4, KeyFirst: 1500, KeyLast: 1509},
		},
	}
	data := EncodeSBlockInfo(info)
	decoded, err := DecodeSBlockInfo(data, len(info.Blocks))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TID != info.TID || decoded.UID != info.UID {
		t.Fatalf("SBlockInfo header mismatch: %+v", decoded)
	}
	for i, blk := range info.Blocks {
		if decoded.Blocks[i] != blk {
			t.Fatalf("block %d mismatch: got %+v want %+v", i, decoded.Blocks[i], blk)
		}
	}

	idx := BuildIdx(info, 1024, uint32(len(data)))
	if idx.HasLast != 1 || idx.MaxKey != 1509 || idx.NumOfBlocks != 2 {
		t.Fatalf("unexpected idx: %+v", idx)
	}

	raw := EncodeSBlockIdx(idx)
	gotIdx, n, err := DecodeSBlockIdx(raw)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) || gotIdx != idx {
		t.Fatalf("SBlockIdx round trip mismatch: got %+v want %+v", gotIdx, idx)
	}
}

func TestDecodeBlockDataRejectsBadDelimiter(t *testing.T) {
	bad := make([]byte, 32)
	if _, _, err := DecodeBlockData(bad, schemaFixture(), 1); err == nil {
		t.Fatal("expected corrupt delimiter error")
	}
}
