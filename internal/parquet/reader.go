package parquet

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// CellReader reads cell records from a committed batch file.
type CellReader struct {
	file   *os.File
	reader *parquet.GenericReader[CellRow]
	path   string
}

// NewCellReader opens a batch file for reading.
func NewCellReader(path string) (*CellReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[CellRow](f, parquet.ReadBufferSize(1024*1024))

	return &CellReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n cell records.
func (r *CellReader) Read(n int) ([]CellRow, error) {
	rows := make([]CellRow, n)
	count, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}
	return rows[:count], nil
}

// ReadAll reads every cell record in the file.
func (r *CellReader) ReadAll() ([]CellRow, error) {
	numRows := r.reader.NumRows()
	rows := make([]CellRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of cell records in the file.
func (r *CellReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *CellReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *CellReader) Path() string {
	return r.path
}
