// Package source reads parquet input files through DuckDB and chunks them
// into micro-batches.
//
// Batch boundaries are fixed by raw file position: every batch consumes
// exactly BatchSize raw rows (the final one may consume fewer), whether or
// not quality rules later reject some of them. Seek therefore translates a
// committed-batch count directly into a row offset, which is what makes
// wholesale batch replay deterministic.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/types"
)

// Column declares one numeric input column and its optional quality
// bounds. A numeric value outside [Min, Max] rejects the whole row.
type Column struct {
	Name string
	Min  *float64
	Max  *float64
}

// Options configures a FileSource.
type Options struct {
	// Path is the parquet file to read.
	Path string

	// BatchSize is the number of raw rows per micro-batch.
	BatchSize int

	// Columns are the numeric columns extracted from each row.
	Columns []Column

	// TimestampColumn names the event-time column. Empty disables
	// event-time extraction.
	TimestampColumn string
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Path == "" {
		return errors.NewMissingField("source.path")
	}
	if o.BatchSize <= 0 {
		return errors.NewInvalidValue("source.batch_size", o.BatchSize, "must be positive")
	}
	if len(o.Columns) == 0 {
		return errors.NewMissingField("source.columns")
	}
	for _, c := range o.Columns {
		if c.Name == "" {
			return errors.ErrEmptyDimension
		}
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return errors.NewInvalidValue(c.Name, *c.Min, "min above max")
		}
	}
	return nil
}

// Stats holds source counters.
type Stats struct {
	RowsRead    atomic.Int64
	RowsDropped atomic.Int64
	NullCells   atomic.Int64
	Batches     atomic.Int64
}

// SourceStats is a point-in-time copy of the counters.
type SourceStats struct {
	RowsRead    int64
	RowsDropped int64
	NullCells   int64
	Batches     int64
}

// FileSource streams one parquet file as a finite sequence of
// micro-batches. It is not safe for concurrent use; ingestion is strictly
// sequential.
type FileSource struct {
	opts Options
	db   *sql.DB
	name string

	mu      sync.Mutex
	rows    *sql.Rows
	seq     int64 // raw rows consumed so far
	batches int   // batches produced or skipped
	drained bool

	// Statistics
	stats Stats
}

// Open creates a source over the parquet file named in opts.
func Open(opts Options) (*FileSource, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "open duckdb")
	}

	return &FileSource{
		opts: opts,
		db:   db,
		name: filepath.Base(opts.Path),
	}, nil
}

// Name returns the provenance name stamped on every batch.
func (s *FileSource) Name() string {
	return s.name
}

// Seek positions the source so the next batch returned is batch
// skipped+1. It must be called before the first Next.
func (s *FileSource) Seek(skipped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rows != nil || s.drained {
		return errors.NewValidation("source", "seek after reading started")
	}
	if skipped < 0 {
		return errors.NewInvalidValue("source.seek", skipped, "must not be negative")
	}

	s.seq = int64(skipped) * int64(s.opts.BatchSize)
	s.batches = skipped
	return nil
}

// Next returns the next micro-batch, or ErrSourceDrained once the file is
// exhausted. Rows rejected by quality bounds are counted on the batch but
// not carried; a batch whose rows were all rejected is still returned so
// its raw positions stay accounted for. The batch id is left zero for the
// ingestion loop to stamp.
func (s *FileSource) Next(ctx context.Context) (*types.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drained {
		return nil, errors.ErrSourceDrained
	}
	if s.rows == nil {
		rows, err := s.db.QueryContext(ctx, s.query(), s.opts.Path)
		if err != nil {
			return nil, errors.Wrap(err, "read "+s.name)
		}
		s.rows = rows
	}

	batch := types.NewBatch(0, s.opts.BatchSize)
	batch.Number = s.batches + 1
	batch.SourceFile = s.name

	raw := 0
	for raw < s.opts.BatchSize {
		if !s.rows.Next() {
			err := s.rows.Err()
			s.rows.Close()
			s.rows = nil
			s.drained = true
			if err != nil {
				return nil, errors.Wrap(err, "read "+s.name)
			}
			break
		}
		row, keep, err := s.scanRow()
		if err != nil {
			return nil, err
		}
		raw++
		if keep {
			batch.Add(row)
		} else {
			batch.DroppedRows++
		}
	}

	if raw == 0 {
		return nil, errors.ErrSourceDrained
	}

	s.batches++
	s.stats.Batches.Add(1)
	s.stats.RowsRead.Add(int64(raw))
	s.stats.RowsDropped.Add(int64(batch.DroppedRows))
	s.stats.NullCells.Add(int64(batch.NullCells()))

	return batch, nil
}

// TotalRows counts the raw rows in the file.
func (s *FileSource) TotalRows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM read_parquet($1)", s.opts.Path).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count "+s.name)
	}
	return n, nil
}

// Stats returns a copy of the source counters.
func (s *FileSource) Stats() SourceStats {
	return SourceStats{
		RowsRead:    s.stats.RowsRead.Load(),
		RowsDropped: s.stats.RowsDropped.Load(),
		NullCells:   s.stats.NullCells.Load(),
		Batches:     s.stats.Batches.Load(),
	}
}

// Close releases the cursor and the DuckDB handle.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	return s.db.Close()
}

// query builds the ordered projection. TRY_CAST turns unparseable values
// into NULL instead of failing the read; file_row_number fixes the row
// order so the OFFSET is stable across runs.
func (s *FileSource) query() string {
	cols := make([]string, 0, len(s.opts.Columns)+1)
	if s.opts.TimestampColumn != "" {
		cols = append(cols, fmt.Sprintf(
			"epoch_ms(TRY_CAST(%s AS TIMESTAMP))", quoteIdent(s.opts.TimestampColumn)))
	}
	for _, c := range s.opts.Columns {
		cols = append(cols, fmt.Sprintf("TRY_CAST(%s AS DOUBLE)", quoteIdent(c.Name)))
	}

	return fmt.Sprintf(
		"SELECT %s FROM read_parquet($1, file_row_number = true) ORDER BY file_row_number OFFSET %d",
		strings.Join(cols, ", "), s.seq)
}

// scanRow reads one raw row. Missing, non-numeric, NaN, and infinite
// values become null cells; a numeric value outside its column's quality
// bounds rejects the whole row (keep=false). The raw sequence number
// advances either way.
func (s *FileSource) scanRow() (types.Row, bool, error) {
	var ts sql.NullInt64
	vals := make([]sql.NullFloat64, len(s.opts.Columns))

	dest := make([]any, 0, len(vals)+1)
	if s.opts.TimestampColumn != "" {
		dest = append(dest, &ts)
	}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := s.rows.Scan(dest...); err != nil {
		return types.Row{}, false, errors.Wrap(err, "scan "+s.name)
	}

	row := types.Row{Seq: s.seq}
	s.seq++
	if ts.Valid {
		row.TimestampMs = ts.Int64
	}

	row.Cells = make([]types.Cell, 0, len(s.opts.Columns))
	for i, c := range s.opts.Columns {
		v := vals[i]
		if !v.Valid || math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
			row.Cells = append(row.Cells, types.NullCell(c.Name))
			continue
		}
		if (c.Min != nil && v.Float64 < *c.Min) || (c.Max != nil && v.Float64 > *c.Max) {
			return row, false, nil
		}
		row.Cells = append(row.Cells, types.NumericCell(c.Name, v.Float64))
	}

	return row, true, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
