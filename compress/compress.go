// Package compress implements the per-column compression algorithms tagged
// by SBlock.algorithm (spec.md §3, §6). The timestamp (key) column never
// goes through this package — it is always stored verbatim (spec.md §4.1).
package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Tag is the 8-bit algorithm identifier packed into SBlock.algorithm.
type Tag uint8

const (
	// None stores the column payload verbatim.
	None Tag = iota
	// Delta stores a little-endian int64 sequence as zig-zag delta-of-
	// previous, then varint-packs it. Only valid for int64 columns.
	Delta
	// LZ is a general-purpose byte compressor, backed by klauspost/compress/s2
	// (a Snappy-compatible, allocation-light codec used the same way across
	// the retrieval pack's storage engines for block/segment payloads).
	LZ
)

func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case Delta:
		return "delta"
	case LZ:
		return "lz"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ErrUnsupportedAlgorithm is returned when a block references an algorithm
// tag this build does not know how to decode (spec.md §4.1 CORRUPT_BLOCK /
// UNSUPPORTED_ALGORITHM taxonomy).
var ErrUnsupportedAlgorithm = fmt.Errorf("compress: unsupported algorithm")

// Encode compresses src under the named tag.
func Encode(tag Tag, src []byte) ([]byte, error) {
	switch tag {
	case None:
		return src, nil
	case LZ:
		return s2.Encode(nil, src), nil
	case Delta:
		return encodeDelta(src)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnsupportedAlgorithm, tag)
	}
}

// Decode reverses Encode.
func Decode(tag Tag, src []byte) ([]byte, error) {
	switch tag {
	case None:
		return src, nil
	case LZ:
		return s2.Decode(nil, src)
	case Delta:
		return decodeDelta(src)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnsupportedAlgorithm, tag)
	}
}

// encodeDelta expects src to be a sequence of little-endian int64 values. It
// stores the first value verbatim and every following value as a zig-zag
// varint delta from its predecessor, which is effective for the mostly-
// monotonic or slowly-varying numeric columns a TSDB stores.
func encodeDelta(src []byte) ([]byte, error) {
	if len(src)%8 != 0 {
		return nil, fmt.Errorf("compress: delta input length %d not a multiple of 8", len(src))
	}
	n := len(src) / 8
	out := make([]byte, 0, len(src)/2+8)
	var buf [binary.MaxVarintLen64]byte

	var prev int64
	for i := 0; i < n; i++ {
		v := int64(binary.LittleEndian.Uint64(src[i*8:]))
		var d int64
		if i == 0 {
			d = v
		} else {
			d = v - prev
		}
		prev = v
		zz := uint64((d << 1) ^ (d >> 63))
		m := binary.PutUvarint(buf[:], zz)
		out = append(out, buf[:m]...)
	}
	return out, nil
}

func decodeDelta(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)
	var prev int64
	first := true
	for len(src) > 0 {
		zz, m := binary.Uvarint(src)
		if m <= 0 {
			return nil, fmt.Errorf("compress: corrupt delta varint stream")
		}
		src = src[m:]
		d := int64(zz>>1) ^ -int64(zz&1)
		var v int64
		if first {
			v = d
			first = false
		} else {
			v = prev + d
		}
		prev = v
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		out = append(out, b[:]...)
	}
	return out, nil
}
