package types

import "time"

// BatchStatus tracks the lifecycle of one micro-batch record.
type BatchStatus int

const (
	// BatchPending marks a batch whose processing has begun.
	BatchPending BatchStatus = iota
	// BatchCommitted marks a batch whose engine update and checkpoint
	// landed atomically.
	BatchCommitted
	// BatchFailed marks a batch that did not commit; it is replayed
	// wholesale from the last committed checkpoint.
	BatchFailed
)

// String returns a human-readable representation of the BatchStatus.
func (s BatchStatus) String() string {
	switch s {
	case BatchPending:
		return "pending"
	case BatchCommitted:
		return "committed"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseBatchStatus parses a status name as stored in the batch_records table.
func ParseBatchStatus(s string) BatchStatus {
	switch s {
	case "committed":
		return BatchCommitted
	case "failed":
		return BatchFailed
	default:
		return BatchPending
	}
}

// BatchRecord is the durable provenance row for one micro-batch. It is
// created pending when processing begins, finalized on commit or failure,
// and never mutated after finalization.
type BatchRecord struct {
	BatchID     int64
	Number      int    // ordinal within the source file, 1-based
	SourceFile  string
	RowCount    int
	NullCells   int // missing/non-numeric cells tallied as nulls
	DroppedRows int // rows rejected by quality rules before the engine
	Status      BatchStatus
	ErrorMsg    string // set only for failed batches
	SnapshotRef string // path of the batch's row file
	StartTs     int64  // unix milliseconds
	EndTs       int64  // unix milliseconds, 0 while pending
}

// Duration returns the processing time of a finalized batch.
func (r *BatchRecord) Duration() time.Duration {
	if r.EndTs == 0 {
		return 0
	}
	return time.Duration(r.EndTs-r.StartTs) * time.Millisecond
}

// Finalized returns true once the record reached a terminal status.
func (r *BatchRecord) Finalized() bool {
	return r.Status == BatchCommitted || r.Status == BatchFailed
}

// CheckKind distinguishes the two verification modes.
type CheckKind int

const (
	// CheckDirect compares the engine snapshot with a direct aggregate
	// query over the persisted rows.
	CheckDirect CheckKind = iota
	// CheckBeforeAfter compares an after-snapshot with the merge of a
	// before-snapshot and a partition-only aggregate.
	CheckBeforeAfter
)

// String returns a human-readable representation of the CheckKind.
func (k CheckKind) String() string {
	switch k {
	case CheckDirect:
		return "direct"
	case CheckBeforeAfter:
		return "before_after"
	default:
		return "unknown"
	}
}

// ParseCheckKind parses a kind name as stored in the verifications table.
func ParseCheckKind(s string) CheckKind {
	if s == "before_after" {
		return CheckBeforeAfter
	}
	return CheckDirect
}

// Statistic names carried by verification records.
const (
	StatCount     = "count"
	StatNullCount = "null_count"
	StatSum       = "sum"
	StatMean      = "mean"
	StatMin       = "min"
	StatMax       = "max"
	StatVariance  = "variance"
	StatStddev    = "stddev"
)

// CheckedStats lists the statistics verification covers, in report order.
// Percentiles are advisory (sketch-accuracy-bounded) and deliberately
// absent.
var CheckedStats = []string{
	StatCount, StatNullCount, StatSum, StatMean,
	StatMin, StatMax, StatVariance, StatStddev,
}

// VerificationRecord is one append-only audit row comparing an
// incrementally maintained statistic with its directly recomputed
// counterpart. Verification never mutates engine state.
type VerificationRecord struct {
	CheckID     string // UUID
	Kind        CheckKind
	Dimension   string
	Statistic   string
	Incremental float64
	Direct      float64
	AbsDiff     float64
	RelDiff     float64
	Tolerance   float64
	Passed      bool
	CreatedAtMs int64
}

// CreatedAt returns the record creation time.
func (r *VerificationRecord) CreatedAt() time.Time {
	return time.UnixMilli(r.CreatedAtMs)
}
