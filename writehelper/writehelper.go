// Package writehelper implements the commit pipeline's write helper: the
// per-file-id state machine that opens shadow copies of HEAD/LAST, appends
// newly finalized blocks to DATA, and writes the shadows on a successful
// close; publishing them is left to the caller (filegroup.Registry.
// CommitShadows) (spec.md §4.2). It is grounded on the teacher's
// sst.Writer — the same "append data, build a directory, write it behind a
// bloom filter, then a footer" shape — generalized from one flush-to-SST
// operation into a resumable per-file-id helper that spans many commits.
//
// A table's trailing block is flagged "Last" when the commit that wrote it
// had fewer than MinRowsPerFileBlock rows left for it. TakeTrailingBlock pulls that block back out before a
// later commit appends more rows for the same table, so the orchestrator
// can merge-scan it against the new commit's rows — the same
// moveLastBlockIfNeccessary step original_source/tsdb/src/tsdbCommit.c runs
// before writing — instead of leaving a second, key-overlapping block
// behind. The old block's bytes stay where they are in DATA (it is
// append-only and shared across every table in the file-id, so nothing
// later in the file can be reclaimed without a separate compaction pass);
// only the HEAD directory stops pointing at them.
package writehelper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashdb/tsdbcommit/block"
	"github.com/flashdb/tsdbcommit/config"
	"github.com/flashdb/tsdbcommit/filegroup"
	"github.com/flashdb/tsdbcommit/table"
)

// State is the write helper's position in its per-file-id lifecycle
// (spec.md §4.2: IDLE -> OPENED -> INDEXED -> TABLE_SET -> INDEXED -> ... -> CLOSED).
type State uint8

const (
	Idle State = iota
	Opened
	Indexed
	TableSet
	Closed
)

// ErrWrongState is returned when a method is called out of sequence.
var ErrWrongState = fmt.Errorf("writehelper: wrong state")

// Helper drives one file-id's commit. It is not safe for concurrent use —
// spec.md §5 runs the whole commit pipeline on a single dedicated goroutine.
type Helper struct {
	reg *filegroup.Registry
	cfg config.Config

	fid   int64
	state State

	dataFile    *os.File
	dataStart   int64 // DATA's length when Open was called, for Discard truncation
	dataOffset  int64
	headPath    string
	lastPath    string

	infos   map[int32]*block.SBlockInfo
	digests map[int32]*bloom.BloomFilter

	curTID    int32
	curUID    uint64
	curDigest *bloom.BloomFilter
}

// New creates a write helper bound to reg/cfg; Open must be called before
// anything else.
func New(reg *filegroup.Registry, cfg config.Config) *Helper {
	return &Helper{reg: reg, cfg: cfg, state: Idle}
}

// Open opens (creating if necessary) fid's DATA file for append and
// prepares its HEAD/LAST shadow paths.
func (h *Helper) Open(fid int64) error {
	if h.state != Idle {
		return fmt.Errorf("%w: Open called in state %d", ErrWrongState, h.state)
	}
	g := h.reg.Group(fid)
	f, err := os.OpenFile(g.Data, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("writehelper: open data file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("writehelper: stat data file: %w", err)
	}

	h.fid = fid
	h.dataFile = f
	h.dataStart = stat.Size()
	h.dataOffset = stat.Size()
	h.headPath = h.reg.ShadowHead(fid)
	h.lastPath = h.reg.ShadowLast(fid)
	h.infos = make(map[int32]*block.SBlockInfo)
	h.digests = make(map[int32]*bloom.BloomFilter)
	h.state = Opened
	return nil
}

// LoadIndex reads fid's existing HEAD (if any) into memory so tables being
// re-committed extend their prior block directory instead of starting over.
func (h *Helper) LoadIndex() error {
	if h.state != Opened {
		return fmt.Errorf("%w: LoadIndex called in state %d", ErrWrongState, h.state)
	}
	g := h.reg.Group(h.fid)
	data, err := os.ReadFile(g.Head)
	if err != nil {
		if os.IsNotExist(err) {
			h.state = Indexed
			return nil
		}
		return fmt.Errorf("writehelper: read head: %w", err)
	}
	_, infos, err := decodeHead(data)
	if err != nil {
		return fmt.Errorf("writehelper: decode head: %w", err)
	}
	for tid, info := range infos {
		h.infos[tid] = info
	}
	h.state = Indexed
	return nil
}

// SetTable begins committing one table's data within this file-id.
func (h *Helper) SetTable(t table.Table) error {
	if h.state != Indexed {
		return fmt.Errorf("%w: SetTable called in state %d", ErrWrongState, h.state)
	}
	if _, ok := h.infos[t.TID]; !ok {
		h.infos[t.TID] = &block.SBlockInfo{TID: t.TID, UID: t.UID}
	}
	h.curTID = t.TID
	h.curUID = t.UID
	// Reuse this table's digest across repeated SetTable/CommitTableData
	// cycles within the same file-id, so a table spanning more than one
	// block still gets one digest covering all of its rows.
	if existing, ok := h.digests[t.TID]; ok {
		h.curDigest = existing
	} else {
		h.curDigest = bloom.NewWithEstimates(uint(max(h.cfg.MaxRowsPerFileBlock, 1000)), 0.01)
	}
	h.state = TableSet
	return nil
}

// TakeTrailingBlock removes and decodes the current table's trailing block
// if the prior commit left it marked Last (too small to be treated as
// immutable), returning its rows so the caller can merge them with the new
// commit's rows before writing a replacement block. It returns (nil, nil,
// nil) if the table has no blocks yet or its trailing block is not marked
// Last (it held at least MinRowsPerFileBlock rows).
func (h *Helper) TakeTrailingBlock(t table.Table) (keys []int64, rows [][]table.Cell, err error) {
	if h.state != TableSet {
		return nil, nil, fmt.Errorf("%w: TakeTrailingBlock called in state %d", ErrWrongState, h.state)
	}
	info, ok := h.infos[t.TID]
	if !ok || len(info.Blocks) == 0 {
		return nil, nil, nil
	}
	last := info.Blocks[len(info.Blocks)-1]
	if !last.Last {
		return nil, nil, nil
	}

	payload := make([]byte, last.Len)
	if _, err := h.dataFile.ReadAt(payload, last.Offset); err != nil {
		return nil, nil, fmt.Errorf("writehelper: read trailing block: %w", err)
	}
	keys, rows, err = block.DecodeBlockData(payload, t.Schema, int(last.NumOfRows))
	if err != nil {
		return nil, nil, fmt.Errorf("writehelper: decode trailing block: %w", err)
	}

	info.Blocks = info.Blocks[:len(info.Blocks)-1]
	return keys, rows, nil
}

// CommitTableData appends dc's buffered rows as one new block for the
// current table, updates its SBlockInfo directory, and folds the block's
// keys into the table's existence digest.
func (h *Helper) CommitTableData(dc *table.DataCols, algoFor block.AlgoFunc) error {
	if h.state != TableSet {
		return fmt.Errorf("%w: CommitTableData called in state %d", ErrWrongState, h.state)
	}
	n := dc.Len()
	if n == 0 {
		h.state = Indexed
		return nil
	}

	payload, cols, err := block.EncodeBlockData(dc, h.curUID, 0, n, algoFor)
	if err != nil {
		return fmt.Errorf("writehelper: encode block: %w", err)
	}
	if _, err := h.dataFile.Write(payload); err != nil {
		return fmt.Errorf("writehelper: append block: %w", err)
	}

	sb := block.SBlock{
		Last:      n < h.cfg.MinRowsPerFileBlock,
		Offset:    h.dataOffset,
		Algorithm: algoFor(dc.Schema.Columns[0]),
		NumOfRows: int32(n),
		Len:       int32(len(payload)),
		KeyLen:    int32(n * 8),
		NumOfCols: int16(len(cols)),
		KeyFirst:  dc.Keys[0],
		KeyLast:   dc.Keys[n-1],
	}
	h.dataOffset += int64(len(payload))
	h.infos[h.curTID].Blocks = append(h.infos[h.curTID].Blocks, sb)

	for _, k := range dc.Keys {
		var kb [8]byte
		binary.BigEndian.PutUint64(kb[:], uint64(k))
		h.curDigest.Add(kb[:])
	}
	h.digests[h.curTID] = h.curDigest

	h.state = Indexed
	return nil
}

// Close writes the accumulated per-table SBlockInfo sections and top-level
// directory into the HEAD shadow, the per-table existence digests into the
// LAST shadow, and fsyncs both plus DATA. The shadows are not yet visible —
// the caller must follow with filegroup.Registry.CommitShadows to publish
// them atomically (spec.md §4.2's CLOSED state is reached here; the rename
// is the orchestrator's job so one failed table doesn't half-publish a
// file-id).
func (h *Helper) Close() error {
	if h.state != Indexed {
		return fmt.Errorf("%w: Close called in state %d", ErrWrongState, h.state)
	}
	if err := h.dataFile.Sync(); err != nil {
		return fmt.Errorf("writehelper: sync data: %w", err)
	}

	headBytes := encodeHead(h.infos)
	if err := os.WriteFile(h.headPath, headBytes, 0o644); err != nil {
		return fmt.Errorf("writehelper: write head shadow: %w", err)
	}
	lastBytes, err := encodeDigests(h.digests)
	if err != nil {
		return fmt.Errorf("writehelper: encode digests: %w", err)
	}
	if err := os.WriteFile(h.lastPath, lastBytes, 0o644); err != nil {
		return fmt.Errorf("writehelper: write last shadow: %w", err)
	}

	if err := syncPath(h.headPath); err != nil {
		return err
	}
	if err := syncPath(h.lastPath); err != nil {
		return err
	}

	h.state = Closed
	return nil
}

// Discard abandons the in-progress commit: shadow files are removed and
// DATA is truncated back to the length it had when Open was called, so a
// failed commit never leaves orphaned blocks appended to it.
func (h *Helper) Discard() error {
	wasNew := h.dataStart == 0
	if h.dataFile != nil {
		if err := h.dataFile.Truncate(h.dataStart); err != nil {
			return fmt.Errorf("writehelper: truncate data: %w", err)
		}
		if err := h.dataFile.Close(); err != nil {
			return fmt.Errorf("writehelper: close data: %w", err)
		}
	}
	if wasNew {
		// The file-id had no prior DATA file before Open created it; leave
		// nothing behind rather than an empty DATA file with no HEAD/LAST.
		if err := os.Remove(h.reg.Group(h.fid).Data); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("writehelper: remove empty data file: %w", err)
		}
	}
	if err := h.reg.DiscardShadows(h.fid); err != nil {
		return err
	}
	h.state = Idle
	return nil
}

// Finish closes the DATA file handle after a successful Close + publish.
func (h *Helper) Finish() error {
	if h.dataFile == nil {
		return nil
	}
	err := h.dataFile.Close()
	h.dataFile = nil
	h.state = Idle
	return err
}

// State reports the helper's current lifecycle state.
func (h *Helper) State() State { return h.state }

func syncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("writehelper: reopen for sync %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("writehelper: sync %s: %w", path, err)
	}
	return nil
}

// encodeHead serializes the top-level HEAD directory: a count, then each
// table's SBlockIdx, then each table's SBlockInfo section placed back to
// back after the directory.
func encodeHead(infos map[int32]*block.SBlockInfo) []byte {
	tids := make([]int32, 0, len(infos))
	for tid := range infos {
		tids = append(tids, tid)
	}
	// Deterministic order keeps Close's output reproducible across runs.
	for i := 1; i < len(tids); i++ {
		for j := i; j > 0 && tids[j-1] > tids[j]; j-- {
			tids[j-1], tids[j] = tids[j], tids[j-1]
		}
	}

	infoBlobs := make([][]byte, len(tids))
	for i, tid := range tids {
		infoBlobs[i] = block.EncodeSBlockInfo(*infos[tid])
	}

	headerLen := 4 + len(tids)*32 // 4-byte count + fixed-size SBlockIdx entries
	offset := uint32(headerLen)
	idxs := make([]block.SBlockIdx, len(tids))
	for i, tid := range tids {
		idxs[i] = block.BuildIdx(*infos[tid], offset, uint32(len(infoBlobs[i])))
		offset += uint32(len(infoBlobs[i]))
	}

	out := make([]byte, 0, offset)
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(len(tids)))
	out = append(out, b4[:]...)
	for _, idx := range idxs {
		out = append(out, block.EncodeSBlockIdx(idx)...)
	}
	for _, blob := range infoBlobs {
		out = append(out, blob...)
	}
	return out
}

// decodeHead reverses encodeHead.
func decodeHead(data []byte) (map[int32]block.SBlockIdx, map[int32]*block.SBlockInfo, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("writehelper: head too short")
	}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	pos := 4
	idxs := make(map[int32]block.SBlockIdx, count)
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
	infos := make(map[int32]*block.SBlockInfo, count)
	for _, idx := range order {
		if int(idx.Offset)+int(idx.Len) > len(data) {
			return nil, nil, fmt.Errorf("writehelper: head entry for tid %d out of range", idx.TID)
		}
		info, err := block.DecodeSBlockInfo(data[idx.Offset:idx.Offset+idx.Len], int(idx.NumOfBlocks))
		if err != nil {
			return nil, nil, err
		}
		infos[idx.TID] = &info
	}
	return idxs, infos, nil
}

// encodeDigests serializes each table's existence-digest bloom filter into
// the LAST shadow: count, then (tid, length, bytes) triples.
func encodeDigests(digests map[int32]*bloom.BloomFilter) ([]byte, error) {
	tids := make([]int32, 0, len(digests))
	for tid := range digests {
		tids = append(tids, tid)
	}
	for i := 1; i < len(tids); i++ {
		for j := i; j > 0 && tids[j-1] > tids[j]; j-- {
			tids[j-1], tids[j] = tids[j], tids[j-1]
		}
	}

	var out []byte
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(len(tids)))
	out = append(out, b4[:]...)
	for _, tid := range tids {
		var buf bytes.Buffer
		n, err := digests[tid].WriteTo(&buf)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(b4[:], uint32(tid))
		out = append(out, b4[:]...)
		binary.LittleEndian.PutUint32(b4[:], uint32(n))
		out = append(out, b4[:]...)
		out = append(out, buf.Bytes()...)
	}
	return out, nil
}

// DecodeDigests reverses encodeDigests, for callers that want to test
// existence before scanning a table's blocks.
func DecodeDigests(data []byte) (map[int32]*bloom.BloomFilter, error) {
	if len(data) < 4 {
		return map[int32]*bloom.BloomFilter{}, nil
	}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	pos := 4
	out := make(map[int32]*bloom.BloomFilter, count)
	for i := 0; i < count; i++ {
		if pos+8 > len(data) {
			return nil, fmt.Errorf("writehelper: digest directory truncated")
		}
		tid := int32(binary.LittleEndian.Uint32(data[pos : pos+4]))
		length := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if pos+length > len(data) {
			return nil, fmt.Errorf("writehelper: digest body truncated")
		}
		var f bloom.BloomFilter
		if _, err := f.ReadFrom(bytes.NewReader(data[pos : pos+length])); err != nil {
			return nil, err
		}
		out[tid] = &f
		pos += length
	}
	return out, nil
}
