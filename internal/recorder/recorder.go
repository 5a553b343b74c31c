// Package recorder tracks the provenance lifecycle of micro-batches. A
// record opens pending before the batch has any side effect, then either
// finalizes as committed (the checkpoint store flips it atomically with
// the snapshot) or is marked failed with its cause.
package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/acorvin/tally/internal/types"
)

// Sink receives batch record transitions. The checkpoint store implements
// it.
type Sink interface {
	BeginBatch(ctx context.Context, rec types.BatchRecord) error
	MarkBatchFailed(ctx context.Context, rec types.BatchRecord) error
}

// Stats holds recorder counters.
type Stats struct {
	BatchesBegun     atomic.Int64
	BatchesCommitted atomic.Int64
	BatchesFailed    atomic.Int64
	RowsRecorded     atomic.Int64
}

// RecorderStats is a point-in-time copy of the counters.
type RecorderStats struct {
	BatchesBegun     int64
	BatchesCommitted int64
	BatchesFailed    int64
	RowsRecorded     int64
}

// Recorder builds batch records and writes their lifecycle transitions to
// a sink.
type Recorder struct {
	sink Sink

	// Statistics
	stats Stats
}

// New creates a recorder writing to the given sink.
func New(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Begin opens a pending record for the batch and persists it. The record
// carries everything known up front: identity, provenance, and the row
// accounting the source already did.
func (r *Recorder) Begin(ctx context.Context, batch *types.Batch) (*types.BatchRecord, error) {
	rec := &types.BatchRecord{
		BatchID:     batch.ID,
		Number:      batch.Number,
		SourceFile:  batch.SourceFile,
		RowCount:    batch.Len(),
		NullCells:   batch.NullCells(),
		DroppedRows: batch.DroppedRows,
		Status:      types.BatchPending,
		StartTs:     time.Now().UnixMilli(),
	}
	if err := r.sink.BeginBatch(ctx, *rec); err != nil {
		return nil, err
	}
	r.stats.BatchesBegun.Add(1)
	return rec, nil
}

// Finalize fills the commit-side fields of the record. The caller hands
// the finalized record to the checkpoint store, whose Save persists it
// atomically with the snapshot, then confirms with Committed.
func (r *Recorder) Finalize(rec *types.BatchRecord, snapshotRef string) {
	rec.Status = types.BatchCommitted
	rec.SnapshotRef = snapshotRef
	rec.EndTs = time.Now().UnixMilli()
}

// Committed bumps the commit counters once the store has accepted the
// finalized record.
func (r *Recorder) Committed(rec *types.BatchRecord) {
	r.stats.BatchesCommitted.Add(1)
	r.stats.RowsRecorded.Add(int64(rec.RowCount))
}

// Fail finalizes the record as failed, keeping the cause for the audit
// trail, and persists the transition.
func (r *Recorder) Fail(ctx context.Context, rec *types.BatchRecord, cause error) error {
	rec.Status = types.BatchFailed
	rec.ErrorMsg = cause.Error()
	rec.EndTs = time.Now().UnixMilli()

	r.stats.BatchesFailed.Add(1)
	return r.sink.MarkBatchFailed(ctx, *rec)
}

// Stats returns a copy of the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		BatchesBegun:     r.stats.BatchesBegun.Load(),
		BatchesCommitted: r.stats.BatchesCommitted.Load(),
		BatchesFailed:    r.stats.BatchesFailed.Load(),
		RowsRecorded:     r.stats.RowsRecorded.Load(),
	}
}
