package block

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/flashdb/tsdbcommit/compress"
	"github.com/flashdb/tsdbcommit/table"
)

// AlgoFunc picks the compression algorithm for one column; the write helper
// supplies this based on column type (spec.md §4.1: the timestamp column is
// never passed through compress, so AlgoFunc is only consulted for the
// non-key columns table.Schema.Columns enumerates).
type AlgoFunc func(table.ColumnDef) compress.Tag

// EncodeBlockData serializes dc's rows [rowStart, rowStart+rowCount) into one
// SBlockData payload: delimiter, column directory, the verbatim key column,
// then each column's compressed bytes in schema order. Column stats are
// computed over the non-null values in range: every column gets its null
// count, and int64 and float64 columns also get sum, min, max and the row
// indexes of min and max. Bool and string columns carry only the null count.
func EncodeBlockData(dc *table.DataCols, uid uint64, rowStart, rowCount int, algoFor AlgoFunc) ([]byte, []SBlockCol, error) {
	if rowCount <= 0 || rowStart < 0 || rowStart+rowCount > dc.Len() {
		return nil, nil, fmt.Errorf("block: row range [%d,%d) out of bounds for %d buffered rows", rowStart, rowStart+rowCount, dc.Len())
	}

	numCols := len(dc.Schema.Columns)
	cols := make([]SBlockCol, numCols)
	colPayloads := make([][]byte, numCols)

	for ci, def := range dc.Schema.Columns {
		bitmap, valueBytes, stats := encodeColumnRaw(def, dc.Cols[ci][rowStart:rowStart+rowCount])
		tag := algoFor(def)
		encVal, err := compress.Encode(tag, valueBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("block: encode column %d: %w", def.ID, err)
		}
		enc := make([]byte, 0, len(bitmap)+len(encVal))
		enc = append(enc, bitmap...)
		enc = append(enc, encVal...)
		colPayloads[ci] = enc
		stats.ColID = def.ID
		stats.Type = uint8(def.Type)
		stats.Len = int32(len(enc))
		cols[ci] = stats
	}

	keyBytes := make([]byte, rowCount*8)
	for i := 0; i < rowCount; i++ {
		binary.LittleEndian.PutUint64(keyBytes[i*8:], uint64(dc.Keys[rowStart+i]))
	}

	// Offsets are relative to the start of the key column (spec.md §3).
	off := uint32(len(keyBytes))
	for ci := range cols {
		cols[ci].Offset = off
		off += uint32(len(colPayloads[ci]))
	}

	out := make([]byte, 0, 4+4+8+numCols*sBlockColHeaderSize()+len(keyBytes)+int(off))
	var b4 [4]byte
	var b8 [8]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(Delimiter))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], uint32(numCols))
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint64(b8[:], uid)
	out = append(out, b8[:]...)
	for _, c := range cols {
		out = c.encode(out)
	}
	out = append(out, keyBytes...)
	for _, p := range colPayloads {
		out = append(out, p...)
	}
	return out, cols, nil
}

func sBlockColHeaderSize() int { return 2 + 4 + 4 + 8 + 8 + 8 + 2 + 2 + 2 }

// DecodeBlockData reverses EncodeBlockData, reconstructing the timestamp
// column and every row's cells according to schema. numOfRows must come from
// the block's SBlock descriptor since the payload itself carries no row
// count (spec.md §3: "numOfRows" lives in SBlock, not SBlockData).
func DecodeBlockData(payload []byte, schema table.Schema, numOfRows int) (keys []int64, rows [][]table.Cell, err error) {
	if len(payload) < 16 {
		return nil, nil, fmt.Errorf("block: %w: payload too short", ErrCorrupt)
	}
	delim := int32(binary.LittleEndian.Uint32(payload[0:4]))
	if delim != Delimiter {
		return nil, nil, fmt.Errorf("block: %w: bad delimiter %x", ErrCorrupt, delim)
	}
	numCols := int(binary.LittleEndian.Uint32(payload[4:8]))
	if numCols != len(schema.Columns) {
		return nil, nil, fmt.Errorf("block: %w: column count %d != schema %d", ErrCorrupt, numCols, len(schema.Columns))
	}
	pos := 16
	cols := make([]SBlockCol, numCols)
	for i := 0; i < numCols; i++ {
		c, n, err := decodeSBlockCol(payload[pos:])
		if err != nil {
			return nil, nil, err
		}
		cols[i] = c
		pos += n
	}

	keyLen := numOfRows * 8
	if pos+keyLen > len(payload) {
		return nil, nil, fmt.Errorf("block: %w: key column truncated", ErrCorrupt)
	}
	keys = make([]int64, numOfRows)
	keyStart := pos
	for i := 0; i < numOfRows; i++ {
		keys[i] = int64(binary.LittleEndian.Uint64(payload[keyStart+i*8:]))
	}

	colDataStart := keyStart
	rows = make([][]table.Cell, numOfRows)
	for i := range rows {
		rows[i] = make([]table.Cell, numCols)
	}

	for ci, c := range cols {
		start := colDataStart + int(c.Offset)
		end := start + int(c.Len)
		if start < 0 || end > len(payload) || start > end {
			return nil, nil, fmt.Errorf("block: %w: column %d offset/len out of range", ErrCorrupt, c.ColID)
		}
		def := schema.Columns[ci]
		colCells, decErr := decodeColumnPayload(def, payload[start:end], numOfRows)
		if decErr != nil {
			return nil, nil, fmt.Errorf("block: decode column %d: %w", c.ColID, decErr)
		}
		for ri := 0; ri < numOfRows; ri++ {
			rows[ri][ci] = colCells[ri]
		}
	}
	return keys, rows, nil
}

// encodeColumnRaw builds a column's null bitmap and its uncompressed value
// bytes (fixed- or variable-width, depending on type) separately, and
// computes its SBlockCol statistics over the non-null values. The bitmap is
// returned apart from the value bytes so the caller can compress only the
// value bytes: the null bitmap's length isn't a multiple of the compressor's
// natural unit (8 bytes per int64 for Delta), so folding it into the
// compressed segment would make encodeDelta reject perfectly ordinary row
// counts.
func encodeColumnRaw(def table.ColumnDef, vals []table.Cell) (bitmap []byte, valueBytes []byte, stats SBlockCol) {
	n := len(vals)
	bitmapLen := (n + 7) / 8
	bitmap = make([]byte, bitmapLen)

	stats.MinIndex = -1
	stats.MaxIndex = -1
	haveStat := false

	switch def.Type {
	case table.ColInt64:
		vb := make([]byte, n*8)
		for i, v := range vals {
			if v.Nil {
				bitmap[i/8] |= 1 << uint(i%8)
				stats.NumOfNull++
				continue
			}
			binary.LittleEndian.PutUint64(vb[i*8:], uint64(v.I64))
			stats.Sum += v.I64
			if !haveStat || v.I64 < stats.Min {
				stats.Min = v.I64
				stats.MinIndex = int16(i)
			}
			if !haveStat || v.I64 > stats.Max {
				stats.Max = v.I64
				stats.MaxIndex = int16(i)
			}
			haveStat = true
		}
		return bitmap, vb, stats

	case table.ColFloat64:
		vb := make([]byte, n*8)
		var sum, min, max float64
		for i, v := range vals {
			if v.Nil {
				bitmap[i/8] |= 1 << uint(i%8)
				stats.NumOfNull++
				continue
			}
			binary.LittleEndian.PutUint64(vb[i*8:], math.Float64bits(v.F64))
			sum += v.F64
			if !haveStat || v.F64 < min {
				min = v.F64
				stats.MinIndex = int16(i)
			}
			if !haveStat || v.F64 > max {
				max = v.F64
				stats.MaxIndex = int16(i)
			}
			haveStat = true
		}
		stats.Sum = int64(math.Float64bits(sum))
		stats.Min = int64(math.Float64bits(min))
		stats.Max = int64(math.Float64bits(max))
		return bitmap, vb, stats

	case table.ColBool:
		vb := make([]byte, bitmapLen)
		for i, v := range vals {
			if v.Nil {
				bitmap[i/8] |= 1 << uint(i%8)
				stats.NumOfNull++
				continue
			}
			if v.B {
				vb[i/8] |= 1 << uint(i%8)
			}
		}
		return bitmap, vb, stats

	case table.ColString:
		lens := make([]byte, n*4)
		var body []byte
		for i, v := range vals {
			if v.Nil {
				bitmap[i/8] |= 1 << uint(i%8)
				stats.NumOfNull++
				continue
			}
			binary.LittleEndian.PutUint32(lens[i*4:], uint32(len(v.S)))
			body = append(body, v.S...)
		}
		return bitmap, append(lens, body...), stats

	default:
		return bitmap, nil, stats
	}
}

// decodeColumnPayload reverses encodeColumnRaw: the leading null bitmap on
// disk is always verbatim (never compressed, matching EncodeBlockData), so
// it's sliced off before the remaining value bytes are decompressed.
//
// The algorithm tag isn't stored per-column on disk (it's a block-wide
// default chosen by the write helper's AlgoFunc), so decoding here assumes
// the helper used the same deterministic AlgoFunc on read as on write.
// Callers that vary algorithms per column must decode columns before
// calling this helper; tsdbcommit's write helper always derives AlgoFunc
// purely from def.Type, so this round-trips.
func decodeColumnPayload(def table.ColumnDef, raw []byte, n int) ([]table.Cell, error) {
	bitmapLen := (n + 7) / 8
	if len(raw) < bitmapLen {
		return nil, fmt.Errorf("block: %w: column payload shorter than null bitmap", ErrCorrupt)
	}
	bitmap := raw[:bitmapLen]
	rest, err := compress.Decode(algoForType(def), raw[bitmapLen:])
	if err != nil {
		return nil, err
	}
	out := make([]table.Cell, n)

	isNull := func(i int) bool { return bitmap[i/8]&(1<<uint(i%8)) != 0 }

	switch def.Type {
	case table.ColInt64:
		if len(rest) < n*8 {
			return nil, fmt.Errorf("block: %w: int64 column truncated", ErrCorrupt)
		}
		for i := 0; i < n; i++ {
			if isNull(i) {
				out[i] = table.Cell{Nil: true}
				continue
			}
			out[i] = table.Cell{I64: int64(binary.LittleEndian.Uint64(rest[i*8:]))}
		}
	case table.ColFloat64:
		if len(rest) < n*8 {
			return nil, fmt.Errorf("block: %w: float64 column truncated", ErrCorrupt)
		}
		for i := 0; i < n; i++ {
			if isNull(i) {
				out[i] = table.Cell{Nil: true}
				continue
			}
			out[i] = table.Cell{F64: math.Float64frombits(binary.LittleEndian.Uint64(rest[i*8:]))}
		}
	case table.ColBool:
		if len(rest) < bitmapLen {
			return nil, fmt.Errorf("block: %w: bool column truncated", ErrCorrupt)
		}
		for i := 0; i < n; i++ {
			if isNull(i) {
				out[i] = table.Cell{Nil: true}
				continue
			}
			out[i] = table.Cell{B: rest[i/8]&(1<<uint(i%8)) != 0}
		}
	case table.ColString:
		if len(rest) < n*4 {
			return nil, fmt.Errorf("block: %w: string column truncated", ErrCorrupt)
		}
		lens := rest[:n*4]
		body := rest[n*4:]
		off := 0
		for i := 0; i < n; i++ {
			if isNull(i) {
				out[i] = table.Cell{Nil: true}
				continue
			}
			l := int(binary.LittleEndian.Uint32(lens[i*4:]))
			if off+l > len(body) {
				return nil, fmt.Errorf("block: %w: string column body truncated", ErrCorrupt)
			}
			out[i] = table.Cell{S: string(body[off : off+l])}
			off += l
		}
	default:
		return nil, fmt.Errorf("block: %w: unknown column type %d", ErrCorrupt, def.Type)
	}
	return out, nil
}

// algoForType is the write helper's deterministic, type-driven default:
// delta-encode monotonic-ish integer columns, leave bool/string columns
// uncompressed, and fall back to the general LZ codec for floats.
func algoForType(def table.ColumnDef) compress.Tag {
	switch def.Type {
	case table.ColInt64:
		return compress.Delta
	case table.ColFloat64:
		return compress.LZ
	default:
		return compress.None
	}
}
