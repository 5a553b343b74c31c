package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/acorvin/tally/internal/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// CellRow is one cell of one row in Parquet long format. A source row
// with n dimension values fans out into n records sharing row_seq.
type CellRow struct {
	BatchID   int64   `parquet:"batch_id"`
	RowSeq    int64   `parquet:"row_seq"`
	TsMs      int64   `parquet:"ts_ms"`
	Dimension string  `parquet:"dimension,zstd"`
	Value     float64 `parquet:"value"`
	IsNull    bool    `parquet:"is_null"`
}

// BatchToRows flattens a batch into long-format cell records. Null cells
// carry Value 0 with IsNull set so aggregate queries can filter on the
// flag alone.
func BatchToRows(b *types.Batch) []CellRow {
	rows := make([]CellRow, 0, len(b.Rows))
	for i := range b.Rows {
		r := &b.Rows[i]
		for _, c := range r.Cells {
			cr := CellRow{
				BatchID:   b.ID,
				RowSeq:    r.Seq,
				TsMs:      r.TimestampMs,
				Dimension: c.Dimension,
				IsNull:    c.Null,
			}
			if !c.Null {
				cr.Value = c.Value
			}
			rows = append(rows, cr)
		}
	}
	return rows
}

// BatchFileName returns the file name for a committed batch.
func BatchFileName(batchID int64) string {
	return fmt.Sprintf("batch-%d.parquet", batchID)
}

// BatchFilePath returns the committed path for a batch under dir.
func BatchFilePath(dir string, batchID int64) string {
	return filepath.Join(dir, BatchFileName(batchID))
}

// BatchWriter writes one batch to a Parquet file. Records are staged in a
// temp file; Commit renames it into place, so the directory never holds a
// partially written batch file.
type BatchWriter struct {
	mu       sync.Mutex
	batchID  int64
	path     string
	tmpPath  string
	file     *os.File
	writer   *parquet.GenericWriter[CellRow]
	rowCount int64
	closed   bool
}

// NewBatchWriter creates a writer staging batch batchID under dir.
func NewBatchWriter(dir string, batchID int64, opts Options) (*BatchWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	path := BatchFilePath(dir, batchID)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	writer := parquet.NewGenericWriter[CellRow](f, writerOpts...)

	return &BatchWriter{
		batchID: batchID,
		path:    path,
		tmpPath: tmpPath,
		file:    f,
		writer:  writer,
	}, nil
}

// Write appends cell records to the staged file.
func (w *BatchWriter) Write(rows []CellRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// WriteBatch flattens and appends a whole batch.
func (w *BatchWriter) WriteBatch(b *types.Batch) error {
	return w.Write(BatchToRows(b))
}

// Commit finalizes the file and renames it into place. An empty batch
// still commits a file, so the batch sequence on disk has no gaps.
func (w *BatchWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("commit batch file: %w", err)
	}
	return nil
}

// Abort discards the staged file. Safe to call after Commit; it is then a
// no-op.
func (w *BatchWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.writer.Close()
	w.file.Close()
	return os.Remove(w.tmpPath)
}

// RowCount returns the number of cell records written so far.
func (w *BatchWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the committed file path.
func (w *BatchWriter) Path() string {
	return w.path
}

// WriteBatchFile stages, writes, and commits a batch in one call. It
// returns the committed path and the number of cell records.
func WriteBatchFile(dir string, b *types.Batch, opts Options) (string, int64, error) {
	w, err := NewBatchWriter(dir, b.ID, opts)
	if err != nil {
		return "", 0, err
	}
	if err := w.WriteBatch(b); err != nil {
		w.Abort()
		return "", 0, err
	}
	if err := w.Commit(); err != nil {
		return "", 0, err
	}
	return w.Path(), w.RowCount(), nil
}

// ListBatchFiles returns the committed batch files under dir, ordered by
// batch id. Staged .tmp files are ignored.
func ListBatchFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	type batchFile struct {
		id   int64
		path string
	}
	var files []batchFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "batch-") || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "batch-"), ".parquet")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, batchFile{id: id, path: filepath.Join(dir, name)})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Purge removes every committed and staged batch file under dir.
func Purge(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "batch-") &&
			(strings.HasSuffix(name, ".parquet") || strings.HasSuffix(name, ".parquet.tmp")) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("remove %s: %w", name, err)
			}
		}
	}
	return nil
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
