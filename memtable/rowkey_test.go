package memtable

import "testing"

func TestRowKeyOrdering(t *testing.T) {
	cases := []struct {
		uid uint64
		ts  int64
	}{
		{1, -100}, {1, -1}, {1, 0}, {1, 1}, {1, 100}, {2, -100}, {2, 100},
	}
	var prev RowKey
	for i, c := range cases {
		k := EncodeRowKey(c.uid, c.ts)
		if i > 0 && k <= prev {
			t.Fatalf("key %d (%v) did not sort after previous key", i, c)
		}
		prev = k

		gotUID, gotTS := DecodeRowKey(k)
		if gotUID != c.uid || gotTS != c.ts {
			t.Fatalf("round trip mismatch: got (%d,%d) want (%d,%d)", gotUID, gotTS, c.uid, c.ts)
		}
	}
}

func TestMinRowKeySortsFirst(t *testing.T) {
	min := MinRowKey(5)
	other := EncodeRowKey(5, -1<<62)
	if min >= other {
		t.Fatalf("expected MinRowKey to sort before any other key for the same uid")
	}
}
