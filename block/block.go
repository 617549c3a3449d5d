// Package block implements the on-disk columnar block format described in
// spec.md §3 and §6: SBlock, SBlockIdx, SBlockInfo, SBlockData, and
// SBlockCol, with exact little-endian bit layouts and explicit mask/shift
// packing (Go has no native bitfields, so this is the only option —
// spec.md §9's "bitfield packed structs" design note).
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/flashdb/tsdbcommit/compress"
)

// Delimiter is the fixed recovery magic that must appear at the start of
// every SBlockData and SBlockInfo section (spec.md §3 invariant 6).
const Delimiter int32 = -0x70000001 // 0x8FFFFFFF as a signed 32-bit value, a fixed recovery magic

// SBlockCol is one column's directory entry inside an SBlockData section.
type SBlockCol struct {
	ColID     int16
	Len       int32
	Type      uint8 // table.ColType
	Offset    uint32
	Sum       int64
	Max       int64
	Min       int64
	MaxIndex  int16
	MinIndex  int16
	NumOfNull int16
}

const sBlockColSize = 2 + 4 + 1 + 3 + 8 + 8 + 8 + 2 + 2 + 2 // type:8|offset:24 packed into 4 bytes total

// packTypeOffset packs type:8|offset:24 into a little-endian uint32, the
// exact layout spec.md §6 calls out.
func packTypeOffset(typ uint8, offset uint32) uint32 {
	return uint32(typ) | (offset&0x00FFFFFF)<<8
}

func unpackTypeOffset(v uint32) (typ uint8, offset uint32) {
	return uint8(v & 0xFF), (v >> 8) & 0x00FFFFFF
}

func (c SBlockCol) encode(w []byte) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:2], uint16(c.ColID))
	w = append(w, b[0:2]...)
	binary.LittleEndian.PutUint32(b[0:4], uint32(c.Len))
	w = append(w, b[0:4]...)
	binary.LittleEndian.PutUint32(b[0:4], packTypeOffset(c.Type, c.Offset))
	w = append(w, b[0:4]...)
	binary.LittleEndian.PutUint64(b[0:8], uint64(c.Sum))
	w = append(w, b[0:8]...)
	binary.LittleEndian.PutUint64(b[0:8], uint64(c.Max))
	w = append(w, b[0:8]...)
	binary.LittleEndian.PutUint64(b[0:8], uint64(c.Min))
	w = append(w, b[0:8]...)
	binary.LittleEndian.PutUint16(b[0:2], uint16(c.MaxIndex))
	w = append(w, b[0:2]...)
	binary.LittleEndian.PutUint16(b[0:2], uint16(c.MinIndex))
	w = append(w, b[0:2]...)
	binary.LittleEndian.PutUint16(b[0:2], uint16(c.NumOfNull))
	w = append(w, b[0:2]...)
	return w
}

func decodeSBlockCol(r []byte) (SBlockCol, int, error) {
	const n = 2 + 4 + 4 + 8 + 8 + 8 + 2 + 2 + 2
	if len(r) < n {
		return SBlockCol{}, 0, fmt.Errorf("block: %w: short SBlockCol", ErrCorrupt)
	}
	var c SBlockCol
	c.ColID = int16(binary.LittleEndian.Uint16(r[0:2]))
	c.Len = int32(binary.LittleEndian.Uint32(r[2:6]))
	typ, off := unpackTypeOffset(binary.LittleEndian.Uint32(r[6:10]))
	c.Type = typ
	c.Offset = off
	c.Sum = int64(binary.LittleEndian.Uint64(r[10:18]))
	c.Max = int64(binary.LittleEndian.Uint64(r[18:26]))
	c.Min = int64(binary.LittleEndian.Uint64(r[26:34]))
	c.MaxIndex = int16(binary.LittleEndian.Uint16(r[34:36]))
	c.MinIndex = int16(binary.LittleEndian.Uint16(r[36:38]))
	c.NumOfNull = int16(binary.LittleEndian.Uint16(r[38:40]))
	return c, n, nil
}

// SBlock is one row block's descriptor, stored in a table's SBlockInfo
// section (HEAD file), not inline in DATA — the payload it describes always
// lives at Offset/Len in DATA. Last marks a block that holds fewer than
// MinRowsPerFileBlock rows and is therefore still open to a merge-scan by a
// later commit (writehelper.TakeTrailingBlock), not a block stored in a
// separate file.
type SBlock struct {
	Last           bool
	Offset         int64 // 63-bit value; sign bit is stolen by Last on disk
	Algorithm      compress.Tag
	NumOfRows      int32 // 24-bit value on disk
	Len            int32
	KeyLen         int32
	NumOfSubBlocks int16
	NumOfCols      int16 // excludes the timestamp column
	KeyFirst       int64
	KeyLast        int64
}

const sBlockSize = 8 + 4 + 4 + 4 + 2 + 2 + 8 + 8

// packLastOffset packs last:1|offset:63 into a little-endian uint64.
func packLastOffset(last bool, offset int64) uint64 {
	v := uint64(offset) & 0x7FFFFFFFFFFFFFFF
	if last {
		v |= 1 << 63
	}
	return v
}

func unpackLastOffset(v uint64) (last bool, offset int64) {
	last = v&(1<<63) != 0
	offset = int64(v & 0x7FFFFFFFFFFFFFFF)
	return
}

// packAlgoRows packs algorithm:8|numOfRows:24 into a little-endian uint32.
func packAlgoRows(algo compress.Tag, rows int32) uint32 {
	return uint32(algo) | (uint32(rows)&0x00FFFFFF)<<8
}

func unpackAlgoRows(v uint32) (algo compress.Tag, rows int32) {
	return compress.Tag(v & 0xFF), int32((v >> 8) & 0x00FFFFFF)
}

func (b SBlock) encode(w []byte) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], packLastOffset(b.Last, b.Offset))
	w = append(w, buf[:]...)
	binary.LittleEndian.PutUint32(buf[0:4], packAlgoRows(b.Algorithm, b.NumOfRows))
	w = append(w, buf[0:4]...)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(b.Len))
	w = append(w, buf[0:4]...)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(b.KeyLen))
	w = append(w, buf[0:4]...)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(b.NumOfSubBlocks))
	w = append(w, buf[0:2]...)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(b.NumOfCols))
	w = append(w, buf[0:2]...)
	binary.LittleEndian.PutUint64(buf[:], uint64(b.KeyFirst))
	w = append(w, buf[:]...)
	binary.LittleEndian.PutUint64(buf[:], uint64(b.KeyLast))
	w = append(w, buf[:]...)
	return w
}

func decodeSBlock(r []byte) (SBlock, int, error) {
	if len(r) < sBlockSize {
		return SBlock{}, 0, fmt.Errorf("block: %w: short SBlock", ErrCorrupt)
	}
	var b SBlock
	last, offset := unpackLastOffset(binary.LittleEndian.Uint64(r[0:8]))
	b.Last, b.Offset = last, offset
	algo, rows := unpackAlgoRows(binary.LittleEndian.Uint32(r[8:12]))
	b.Algorithm, b.NumOfRows = algo, rows
	b.Len = int32(binary.LittleEndian.Uint32(r[12:16]))
	b.KeyLen = int32(binary.LittleEndian.Uint32(r[16:20]))
	b.NumOfSubBlocks = int16(binary.LittleEndian.Uint16(r[20:22]))
	b.NumOfCols = int16(binary.LittleEndian.Uint16(r[22:24]))
	b.KeyFirst = int64(binary.LittleEndian.Uint64(r[24:32]))
	b.KeyLast = int64(binary.LittleEndian.Uint64(r[32:40]))
	return b, sBlockSize, nil
}

// SBlockInfo is a table's per-file-id block directory, stored in HEAD.
type SBlockInfo struct {
	Delimiter int32
	TID       int32
	UID       uint64
	Blocks    []SBlock
}

// SBlockIdx is HEAD's top-level per-table entry, pointing at that table's
// SBlockInfo section.
type SBlockIdx struct {
	TID         int32
	UID         uint64
	Offset      uint32
	Len         uint32
	HasLast     uint8 // 2-bit on disk
	NumOfBlocks uint32 // 30-bit on disk
	MaxKey      int64
}

// packHasLastBlocks packs hasLast:2|numOfBlocks:30 into a little-endian uint32.
func packHasLastBlocks(hasLast uint8, numOfBlocks uint32) uint32 {
	return uint32(hasLast&0x3) | (numOfBlocks&0x3FFFFFFF)<<2
}

func unpackHasLastBlocks(v uint32) (hasLast uint8, numOfBlocks uint32) {
	return uint8(v & 0x3), (v >> 2) & 0x3FFFFFFF
}

const sBlockIdxSize = 4 + 8 + 4 + 4 + 4 + 8

// ErrCorrupt is returned when a delimiter, length, or offset check fails
// while decoding (spec.md §4.1 CORRUPT_BLOCK).
var ErrCorrupt = fmt.Errorf("corrupt block")
