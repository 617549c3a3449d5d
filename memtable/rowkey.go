package memtable

import "encoding/binary"

// RowKey orders the commit pipeline's in-memory rows by (table UID,
// timestamp) so a single skip list can back every table in a repo while
// still letting a per-table commit iterator Seek straight to its file-id's
// key range (spec.md §4.3). It's a fixed-width big-endian encoding rather
// than a struct because SkipList's ordered constraint only accepts types
// with native comparison operators — strings compare lexicographically,
// which matches big-endian numeric ordering byte-for-byte.
type RowKey = string

const rowKeySize = 16

// EncodeRowKey packs (uid, ts) into a RowKey that sorts the same way the
// pair does numerically. The timestamp's sign bit is flipped so negative
// values sort before non-negative ones under plain byte comparison.
func EncodeRowKey(uid uint64, ts int64) RowKey {
	var b [rowKeySize]byte
	binary.BigEndian.PutUint64(b[0:8], uid)
	binary.BigEndian.PutUint64(b[8:16], uint64(ts)^(1<<63))
	return string(b[:])
}

// DecodeRowKey reverses EncodeRowKey.
func DecodeRowKey(k RowKey) (uid uint64, ts int64) {
	b := []byte(k)
	uid = binary.BigEndian.Uint64(b[0:8])
	ts = int64(binary.BigEndian.Uint64(b[8:16]) ^ (1 << 63))
	return
}

// MinRowKey is the smallest possible key for a given table, used to seek a
// per-table cursor to the start of its key range.
func MinRowKey(uid uint64) RowKey {
	return EncodeRowKey(uid, minInt64)
}

const minInt64 = -1 << 63
