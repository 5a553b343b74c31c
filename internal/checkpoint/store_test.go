package checkpoint

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "checkpoint.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot(batchID int64) types.EngineSnapshot {
	return types.EngineSnapshot{
		LastBatchID: batchID,
		TakenAtMs:   time.Now().UnixMilli(),
		Dimensions: map[string]types.DimensionSnapshot{
			"price": {
				Dimension:   "price",
				Count:       3,
				NullCount:   1,
				Sum:         60,
				Mean:        20,
				M2:          200,
				Min:         10,
				Max:         30,
				Variance:    200.0 / 3,
				Stddev:      math.Sqrt(200.0 / 3),
				LastBatchID: batchID,
			},
		},
	}
}

func sampleRecord(batchID int64) types.BatchRecord {
	now := time.Now().UnixMilli()
	return types.BatchRecord{
		BatchID:     batchID,
		Number:      int(batchID),
		SourceFile:  "ticks.parquet",
		RowCount:    1000,
		NullCells:   4,
		DroppedRows: 2,
		Status:      types.BatchCommitted,
		SnapshotRef: "rows/batch-1.parquet",
		StartTs:     now - 25,
		EndTs:       now,
	}
}

func TestEncodeDecodeSnapshot(t *testing.T) {
	snap := sampleSnapshot(7)

	payload, checksum, err := encodeSnapshot(snap)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
	require.Len(t, checksum, 32)

	got, err := decodeSnapshot(payload, checksum)
	require.NoError(t, err)
	assert.Equal(t, snap.LastBatchID, got.LastBatchID)
	assert.Equal(t, snap.Dimensions["price"].Count, got.Dimensions["price"].Count)
	assert.Equal(t, snap.Dimensions["price"].M2, got.Dimensions["price"].M2)
}

func TestDecodeSnapshot_ChecksumMismatch(t *testing.T) {
	payload, _, err := encodeSnapshot(sampleSnapshot(1))
	require.NoError(t, err)

	_, err = decodeSnapshot(payload, "00000000000000000000000000000000")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err), "checksum mismatch must be fatal corruption, got %v", err)
}

func TestOpen_MissingPath(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestStore_LoadLatest_NoCheckpoint(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadLatest(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_SaveAndLoadLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot(1), sampleRecord(1)))
	require.NoError(t, s.Save(ctx, sampleSnapshot(2), sampleRecord(2)))

	snap, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastBatchID)

	dim, ok := snap.Dimension("price")
	require.True(t, ok)
	assert.Equal(t, int64(3), dim.Count)
	assert.InDelta(t, 20.0, dim.Mean, 1e-12)
}

func TestStore_SaveIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot(5), sampleRecord(5)))

	// Replaying the same batch overwrites rather than duplicating.
	replay := sampleSnapshot(5)
	replay.Dimensions["price"] = types.DimensionSnapshot{
		Dimension: "price", Count: 4, Sum: 100, Mean: 25, LastBatchID: 5,
	}
	require.NoError(t, s.Save(ctx, replay, sampleRecord(5)))

	snap, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.LastBatchID)
	assert.Equal(t, int64(4), snap.Dimensions["price"].Count)

	records, err := s.ListBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, types.BatchCommitted, records[0].Status)
}

func TestStore_Save_BatchIDMismatch(t *testing.T) {
	s := newTestStore(t)

	err := s.Save(context.Background(), sampleSnapshot(3), sampleRecord(4))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestStore_LoadAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		snap := sampleSnapshot(id)
		require.NoError(t, s.Save(ctx, snap, sampleRecord(id)))
	}

	snap, err := s.LoadAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastBatchID)

	_, err = s.LoadAt(ctx, 99)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_BatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(1)
	require.NoError(t, s.BeginBatch(ctx, rec))

	got, err := s.GetBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.BatchPending, got.Status)
	assert.Zero(t, got.EndTs)

	// A pending batch does not count as a checkpoint.
	_, err = s.LoadLatest(ctx)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.Save(ctx, sampleSnapshot(1), rec))
	got, err = s.GetBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCommitted, got.Status)
	assert.Equal(t, "rows/batch-1.parquet", got.SnapshotRef)
}

func TestStore_MarkBatchFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(1)
	require.NoError(t, s.BeginBatch(ctx, rec))

	rec.ErrorMsg = "disk full"
	rec.EndTs = time.Now().UnixMilli()
	require.NoError(t, s.MarkBatchFailed(ctx, rec))

	got, err := s.GetBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, got.Status)
	assert.Equal(t, "disk full", got.ErrorMsg)

	// Replay flips the record back to pending and clears the error.
	require.NoError(t, s.BeginBatch(ctx, rec))
	got, err = s.GetBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.BatchPending, got.Status)
	assert.Empty(t, got.ErrorMsg)
}

func TestStore_AppendAndListVerifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []types.VerificationRecord{
		{
			CheckID: "a1", Kind: types.CheckDirect, Dimension: "price",
			Statistic: types.StatMean, Incremental: 20, Direct: 20,
			Tolerance: 1e-6, Passed: true, CreatedAtMs: 100,
		},
		{
			CheckID: "a2", Kind: types.CheckBeforeAfter, Dimension: "price",
			Statistic: types.StatVariance, Incremental: 66.7, Direct: 66.6,
			AbsDiff: 0.1, RelDiff: 1.5e-3, Tolerance: 1e-6, Passed: false, CreatedAtMs: 200,
		},
	}
	for _, rec := range recs {
		require.NoError(t, s.AppendVerification(ctx, rec))
	}

	got, err := s.ListVerifications(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.CheckDirect, got[0].Kind)
	assert.True(t, got[0].Passed)
	assert.Equal(t, types.CheckBeforeAfter, got[1].Kind)
	assert.False(t, got[1].Passed)
	assert.Equal(t, types.StatVariance, got[1].Statistic)
}

func TestStore_CountsAndFirstID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		rec := sampleRecord(id)
		rec.SourceFile = "main.parquet"
		require.NoError(t, s.Save(ctx, sampleSnapshot(id), rec))
	}
	val := sampleRecord(4)
	val.SourceFile = "validation.parquet"
	require.NoError(t, s.Save(ctx, sampleSnapshot(4), val))

	latest, err := s.LatestBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)

	n, err := s.CommittedBatchCount(ctx, "main.parquet")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := s.FirstBatchID(ctx, "validation.parquet")
	require.NoError(t, err)
	assert.Equal(t, int64(4), first)

	first, err = s.FirstBatchID(ctx, "missing.parquet")
	require.NoError(t, err)
	assert.Zero(t, first)
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot(1), sampleRecord(1)))
	require.NoError(t, s.AppendVerification(ctx, types.VerificationRecord{
		CheckID: "c1", Dimension: "price", Statistic: types.StatCount,
	}))

	require.NoError(t, s.Reset(ctx))

	_, err := s.LoadLatest(ctx)
	assert.True(t, errors.IsNotFound(err))

	records, err := s.ListBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	checks, err := s.ListVerifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestStore_CorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.db")

	s, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot(1), sampleRecord(1)))

	// Flip payload bytes behind the store's back.
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE checkpoints SET payload = X'DEADBEEF'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = s.LoadLatest(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err), "tampered payload must surface as corruption, got %v", err)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.db")

	s, err := Open(Options{Path: path})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot(1), sampleRecord(1)))
	require.NoError(t, s.Close())

	s2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer s2.Close()

	snap, err := s2.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.LastBatchID)
}
