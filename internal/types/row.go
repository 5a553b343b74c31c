package types

import "time"

// Cell is one named value within a row. The numeric-vs-missing decision is
// made once at the source boundary: Null marks values that were absent or
// could not be read as a number. Null cells never contribute to sum, mean,
// min, or max; they are tallied separately per dimension.
type Cell struct {
	Dimension string
	Value     float64
	Null      bool
}

// NumericCell builds a cell carrying a numeric value.
func NumericCell(dimension string, value float64) Cell {
	return Cell{Dimension: dimension, Value: value}
}

// NullCell builds a cell marking a missing or non-numeric value.
func NullCell(dimension string) Cell {
	return Cell{Dimension: dimension, Null: true}
}

// Row is an ordered collection of named cells.
// This is the primary data unit flowing into the engine.
type Row struct {
	Seq         int64 // position within the source, 0-based
	TimestampMs int64 // event time, unix milliseconds (0 when the source has none)
	Cells       []Cell
}

// TimestampTime returns the event time as a time.Time.
func (r *Row) TimestampTime() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// Cell returns the cell for the given dimension.
func (r *Row) Cell(dimension string) (Cell, bool) {
	for _, c := range r.Cells {
		if c.Dimension == dimension {
			return c, true
		}
	}
	return Cell{}, false
}

// Batch is one micro-batch: the atomic unit of ingestion. A batch is
// replayed wholesale on failure, never resumed mid-batch.
//
// Batch boundaries are fixed by raw source position, so DroppedRows plus
// Len() equals the raw rows the batch consumed. That keeps replay offsets
// stable no matter how many rows quality rules reject.
type Batch struct {
	ID          int64  // monotonically increasing across the run
	Number      int    // ordinal within the source file, 1-based
	SourceFile  string // provenance
	Rows        []Row
	DroppedRows int // rows rejected by quality rules before the engine
}

// NewBatch creates a new batch with the given capacity.
func NewBatch(id int64, capacity int) *Batch {
	return &Batch{
		ID:   id,
		Rows: make([]Row, 0, capacity),
	}
}

// Add appends a row to the batch.
func (b *Batch) Add(r Row) {
	b.Rows = append(b.Rows, r)
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.Rows)
}

// IsEmpty returns true if the batch carries no rows.
func (b *Batch) IsEmpty() bool {
	return len(b.Rows) == 0
}

// NullCells counts the null cells across all rows.
func (b *Batch) NullCells() int {
	n := 0
	for i := range b.Rows {
		for _, c := range b.Rows[i].Cells {
			if c.Null {
				n++
			}
		}
	}
	return n
}
