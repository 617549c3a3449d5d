// Package metastore implements the meta committer's action log: the
// UPDATE_META / DROP_META actions a commit applies to the table-schema KV
// store, framed the same CRC32-checksummed way the teacher's WAL records
// were (key length, key, value length, value, all little-endian), and
// bracketed by a startCommit/endCommit envelope (spec.md §4.4).
package metastore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// ActionType distinguishes the two meta actions a commit can apply.
type ActionType uint8

const (
	ActionUpdateMeta ActionType = iota
	ActionDropMeta
)

func (t ActionType) String() string {
	switch t {
	case ActionUpdateMeta:
		return "UPDATE_META"
	case ActionDropMeta:
		return "DROP_META"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Action is one meta-store mutation: UPDATE_META carries the value to store
// under Key; DROP_META carries no value.
type Action struct {
	Type  ActionType
	Key   []byte
	Value []byte
}

// ErrCorrupt is returned when a CRC check or length sanity check fails while
// decoding an action record (spec.md §7 METASTORE_ERROR).
var ErrCorrupt = fmt.Errorf("metastore: corrupt action record")

// maxRecordLen bounds a single record so a corrupt length field can't cause
// Decode to attempt an enormous allocation.
const maxRecordLen = 64 * 1024 * 1024

// Encode writes a, framed as CRC(4)|TOTAL_LEN(4)|TYPE(1)|KEY_LEN(4)|KEY|VAL_LEN(4)|VALUE.
func (a Action) Encode(w io.Writer) error {
	body := make([]byte, 0, 1+4+len(a.Key)+4+len(a.Value))
	body = append(body, byte(a.Type))
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(a.Key)))
	body = append(body, lb[:]...)
	body = append(body, a.Key...)
	binary.LittleEndian.PutUint32(lb[:], uint32(len(a.Value)))
	body = append(body, lb[:]...)
	body = append(body, a.Value...)

	crc := crc32.ChecksumIEEE(body)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("metastore: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("metastore: write body: %w", err)
	}
	return nil
}

// Decode reverses Encode, returning io.EOF when the stream ends before a
// complete record: no bytes at all, a partial header, or a truncated body.
func Decode(r io.Reader) (Action, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Action{}, io.EOF
		}
		return Action{}, err
	}
	crc := binary.LittleEndian.Uint32(header[0:4])
	totalLen := binary.LittleEndian.Uint32(header[4:8])
	if totalLen < 1+4+4 || totalLen > maxRecordLen {
		return Action{}, ErrCorrupt
	}

	body := make([]byte, totalLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Action{}, io.EOF
		}
		return Action{}, err
	}

	if crc32.ChecksumIEEE(body) != crc {
		return Action{}, ErrCorrupt
	}

	typ := ActionType(body[0])
	keyLen := binary.LittleEndian.Uint32(body[1:5])
	if uint32(len(body)) < 5+keyLen+4 {
		return Action{}, ErrCorrupt
	}
	key := body[5 : 5+keyLen]
	valLen := binary.LittleEndian.Uint32(body[5+keyLen : 5+keyLen+4])
	if uint32(len(body)) != 5+keyLen+4+valLen {
		return Action{}, ErrCorrupt
	}
	val := body[5+keyLen+4:]

	return Action{Type: typ, Key: append([]byte(nil), key...), Value: append([]byte(nil), val...)}, nil
}
