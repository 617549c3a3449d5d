package block

import (
	"encoding/binary"
	"fmt"
)

// EncodeSBlockInfo serializes one table's block directory — delimiter, tid,
// uid, then each SBlock in order — for storage in the HEAD file at the
// offset its SBlockIdx entry records.
func EncodeSBlockInfo(info SBlockInfo) []byte {
	out := make([]byte, 0, 16+len(info.Blocks)*sBlockSize)
	var b4 [4]byte
	var b8 [8]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(Delimiter))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], uint32(info.TID))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint64(b8[:], info.UID)
	out = append(out, b8[:]...)
	for _, blk := range info.Blocks {
		out = blk.encode(out)
	}
	return out
}

// DecodeSBlockInfo reverses EncodeSBlockInfo. numOfBlocks must come from the
// table's SBlockIdx entry, since SBlockInfo carries no count of its own
// (spec.md §3: the count lives in the idx, not the info header).
func DecodeSBlockInfo(data []byte, numOfBlocks int) (SBlockInfo, error) {
	if len(data) < 16 {
		return SBlockInfo{}, fmt.Errorf("block: %w: SBlockInfo header too short", ErrCorrupt)
	}
	delim := int32(binary.LittleEndian.Uint32(data[0:4]))
	if delim != Delimiter {
		return SBlockInfo{}, fmt.Errorf("block: %w: SBlockInfo bad delimiter %x", ErrCorrupt, delim)
	}
	info := SBlockInfo{
		Delimiter: delim,
		TID:       int32(binary.LittleEndian.Uint32(data[4:8])),
		UID:       binary.LittleEndian.Uint64(data[8:16]),
	}
	pos := 16
	info.Blocks = make([]SBlock, numOfBlocks)
	for i := 0; i < numOfBlocks; i++ {
		blk, n, err := decodeSBlock(data[pos:])
		if err != nil {
			return SBlockInfo{}, err
		}
		info.Blocks[i] = blk
		pos += n
	}
	return info, nil
}

// EncodeSBlockIdx serializes one SBlockIdx directory entry.
func EncodeSBlockIdx(idx SBlockIdx) []byte {
	out := make([]byte, 0, sBlockIdxSize)
	var b4 [4]byte
	var b8 [8]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(idx.TID))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint64(b8[:], idx.UID)
	out = append(out, b8[:]...)
	binary.LittleEndian.PutUint32(b4[:], idx.Offset)
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], idx.Len)
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], packHasLastBlocks(idx.HasLast, idx.NumOfBlocks))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint64(b8[:], uint64(idx.MaxKey))
	out = append(out, b8[:]...)
	return out
}

// DecodeSBlockIdx reverses EncodeSBlockIdx, returning the entry and the
// number of bytes consumed so callers can walk a flat directory.
func DecodeSBlockIdx(r []byte) (SBlockIdx, int, error) {
	if len(r) < sBlockIdxSize {
		return SBlockIdx{}, 0, fmt.Errorf("block: %w: short SBlockIdx", ErrCorrupt)
	}
	var idx SBlockIdx
	idx.TID = int32(binary.LittleEndian.Uint32(r[0:4]))
	idx.UID = binary.LittleEndian.Uint64(r[4:12])
	idx.Offset = binary.LittleEndian.Uint32(r[12:16])
	idx.Len = binary.LittleEndian.Uint32(r[16:20])
	hasLast, numBlocks := unpackHasLastBlocks(binary.LittleEndian.Uint32(r[20:24]))
	idx.HasLast = hasLast
	idx.NumOfBlocks = numBlocks
	idx.MaxKey = int64(binary.LittleEndian.Uint64(r[24:32]))
	return idx, sBlockIdxSize, nil
}

// BuildIdx derives a table's SBlockIdx entry from its freshly written
// SBlockInfo and the byte offset that section was placed at in HEAD,
// matching tsdbCommitData's bookkeeping of maxKey/hasLast per table
// (original_source/tsdb/src/tsdbCommit.c).
func BuildIdx(info SBlockInfo, offset uint32, length uint32) SBlockIdx {
	idx := SBlockIdx{
		TID:         info.TID,
		UID:         info.UID,
		Offset:      offset,
		Len:         length,
		NumOfBlocks: uint32(len(info.Blocks)),
	}
	for _, blk := range info.Blocks {
		if blk.Last {
			idx.HasLast = 1
		}
		if blk.KeyLast > idx.MaxKey {
			idx.MaxKey = blk.KeyLast
		}
	}
	return idx
}
