// Package table holds the schema and row representation that the commit
// pipeline reads from the memtable and writes into columnar blocks.
package table

import "fmt"

// ColType is the wire type tag stored in SBlockCol.Type (spec.md §6).
type ColType uint8

const (
	ColInt64 ColType = iota
	ColFloat64
	ColBool
	ColString
)

// ColumnDef describes one non-timestamp column of a table's schema.
type ColumnDef struct {
	ID   int16
	Name string
	Type ColType
}

// Schema is a table's column layout. Column 0 is always the timestamp key
// column and is implicit; Columns holds only the non-key columns, in the
// order they are written to each block (spec.md §3 "SBlockData / SBlockCol").
type Schema struct {
	Columns []ColumnDef
}

func (s Schema) ColumnByID(id int16) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// Table is one committed table's identity and current schema.
type Table struct {
	TID    int32
	UID    uint64
	Name   string
	Schema Schema
}

// Cell is a single column value, nil meaning SQL-style NULL.
type Cell struct {
	I64 int64
	F64 float64
	B   bool
	S   string
	Nil bool
}

// Row is one (ts, col...) tuple as stored in the memtable, ordered by the
// Schema's column list.
type Row struct {
	UID    uint64
	TS     int64
	Values []Cell
}

// DataCols is the row-oriented-to-columnar scratch buffer the write helper
// fills before handing a batch to the block codec; its capacity bounds are
// fixed at construction, mirroring the original's tdNewDataCols(maxRowBytes,
// maxCols, maxRowsPerFileBlock) sizing contract (spec.md §4.5 step 2).
type DataCols struct {
	Schema Schema
	MaxRow int

	Keys []int64 // timestamp column, verbatim
	Cols [][]Cell
}

// NewDataCols allocates scratch buffers sized for maxRows rows across the
// schema's columns, reused across file-ids within one commit.
func NewDataCols(maxRows int) *DataCols {
	return &DataCols{MaxRow: maxRows}
}

// Reset installs schema and clears any rows from a previous table, matching
// the write helper's setHelperTable/writeCompInfo cycle (spec.md §4.2).
func (d *DataCols) Reset(schema Schema) {
	d.Schema = schema
	if cap(d.Keys) < d.MaxRow {
		d.Keys = make([]int64, 0, d.MaxRow)
	} else {
		d.Keys = d.Keys[:0]
	}
	d.Cols = make([][]Cell, len(schema.Columns))
	for i := range d.Cols {
		d.Cols[i] = make([]Cell, 0, d.MaxRow)
	}
}

// Len returns the number of rows currently buffered.
func (d *DataCols) Len() int { return len(d.Keys) }

// Full reports whether the buffer has reached MaxRow rows.
func (d *DataCols) Full() bool { return len(d.Keys) >= d.MaxRow }

// Append adds one row to the buffer. Values must align with d.Schema.Columns
// by index; a caller upserting over an existing key must have already
// removed it (spec.md §4.2 step 3 — ties resolved before Append is called).
func (d *DataCols) Append(ts int64, values []Cell) error {
	if len(values) != len(d.Schema.Columns) {
		return fmt.Errorf("datacols: row has %d values, schema has %d columns", len(values), len(d.Schema.Columns))
	}
	d.Keys = append(d.Keys, ts)
	for i, v := range values {
		d.Cols[i] = append(d.Cols[i], v)
	}
	return nil
}

// Clear empties the buffer for reuse without reallocating, used after a full
// or partial block has been flushed by the write helper.
func (d *DataCols) Clear() {
	d.Keys = d.Keys[:0]
	for i := range d.Cols {
		d.Cols[i] = d.Cols[i][:0]
	}
}
