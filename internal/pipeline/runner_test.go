package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acorvin/tally/internal/checkpoint"
	"github.com/acorvin/tally/internal/config"
	"github.com/acorvin/tally/internal/engine"
	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/types"
	"github.com/acorvin/tally/internal/verify"
)

// inputRow is the wide fixture layout written to parquet input files.
type inputRow struct {
	Timestamp string   `parquet:"timestamp,optional"`
	Price     *float64 `parquet:"price,optional"`
	Volume    *float64 `parquet:"volume,optional"`
}

func f(v float64) *float64 { return &v }

func writeInput(t *testing.T, path string, rows []inputRow) {
	t.Helper()

	file, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewGenericWriter[inputRow](file)
	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, file.Close())
}

// mainRows builds 100 raw rows: 95 valid (price 1..95), 3 below the price
// quality floor, 2 with a missing price.
func mainRows() []inputRow {
	rows := make([]inputRow, 0, 100)
	for i := 1; i <= 95; i++ {
		rows = append(rows, inputRow{
			Timestamp: "2024-01-15 09:30:00",
			Price:     f(float64(i)),
			Volume:    f(float64(i * 10)),
		})
	}
	for i := 0; i < 3; i++ {
		rows = append(rows, inputRow{Timestamp: "2024-01-15 09:31:00", Price: f(-1), Volume: f(5)})
	}
	for i := 0; i < 2; i++ {
		rows = append(rows, inputRow{Timestamp: "2024-01-15 09:32:00", Price: nil, Volume: f(7)})
	}
	return rows
}

func validationRows(n int) []inputRow {
	rows := make([]inputRow, n)
	for i := range rows {
		rows[i] = inputRow{
			Timestamp: "2024-01-16 10:00:00",
			Price:     f(float64(1000 + i)),
			Volume:    f(float64(i + 1)),
		}
	}
	return rows
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Source.Input = filepath.Join(dir, "main.parquet")
	cfg.Source.BatchSize = 10
	cfg.Engine.Dimensions = []config.DimensionConfig{
		{Name: "price", Min: f(0.01), Max: f(50000)},
		{Name: "volume"},
	}
	cfg.Checkpoint.RetryBackoff = time.Millisecond
	cfg.Verify.MemoryLimit = "256MB"
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.EnsureDirectories())
	return cfg
}

func newParts(t *testing.T, cfg *config.Config) (*engine.Engine, *checkpoint.Store, *verify.Service) {
	t.Helper()

	accuracy := 0.0
	if cfg.Engine.Percentile.Enabled {
		accuracy = cfg.Engine.Percentile.Accuracy
	}
	eng, err := engine.New(engine.Options{
		Dimensions:         cfg.DimensionNames(),
		PercentileAccuracy: accuracy,
	})
	require.NoError(t, err)

	store, err := checkpoint.Open(checkpoint.Options{Path: cfg.CheckpointPath()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ver, err := verify.New(verify.Options{
		RowsGlob:    cfg.RowsGlob(),
		Audit:       store,
		MemoryLimit: cfg.Verify.MemoryLimit,
		Concurrency: cfg.Verify.Concurrency,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ver.Close() })

	return eng, store, ver
}

func TestRunnerFullRun(t *testing.T) {
	cfg := testConfig(t)
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	r := New(cfg, eng, store, ver)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, sum.BatchesCommitted)
	assert.Equal(t, int64(97), sum.RowsProcessed) // null-price rows survive
	assert.Equal(t, int64(2), sum.NullCells)
	assert.Equal(t, int64(3), sum.DroppedRows)
	assert.Equal(t, 16, sum.ChecksRun) // 2 dimensions x 8 statistics
	assert.Zero(t, sum.ChecksFailed)
	assert.Zero(t, sum.BatchesRetried)
	assert.Greater(t, sum.RowsPerSecond, 0.0)

	snap := eng.Snapshot()
	price, ok := snap.Dimension("price")
	require.True(t, ok)
	assert.Equal(t, int64(95), price.Count)
	assert.Equal(t, int64(2), price.NullCount)
	assert.Equal(t, float64(4560), price.Sum) // 1+..+95
	assert.InDelta(t, float64(48), price.Mean, 1e-9)
	assert.Equal(t, float64(1), price.Min)
	assert.Equal(t, float64(95), price.Max)

	volume, ok := snap.Dimension("volume")
	require.True(t, ok)
	assert.Equal(t, int64(97), volume.Count)

	latest, err := store.LatestBatchID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), latest)
}

func TestRunnerResumeNothingLeft(t *testing.T) {
	cfg := testConfig(t)
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	_, err := New(cfg, eng, store, ver).Run(context.Background())
	require.NoError(t, err)

	// A second run over the same store must skip every committed batch and
	// restore rather than recount.
	eng2, err := engine.New(engine.Options{Dimensions: cfg.DimensionNames(), PercentileAccuracy: 0.01})
	require.NoError(t, err)

	sum, err := New(cfg, eng2, store, ver).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sum.BatchesCommitted)
	assert.Zero(t, sum.RowsProcessed)
	assert.Equal(t, 16, sum.ChecksRun)
	assert.Zero(t, sum.ChecksFailed)

	price, ok := eng2.Snapshot().Dimension("price")
	require.True(t, ok)
	assert.Equal(t, int64(95), price.Count, "restore must not double count")
}

// flakySaves wraps a real store and fails Save a fixed number of times per
// batch id.
type flakySaves struct {
	*checkpoint.Store
	mu       sync.Mutex
	failures map[int64]int
}

func (s *flakySaves) Save(ctx context.Context, snap types.EngineSnapshot, rec types.BatchRecord) error {
	s.mu.Lock()
	if n := s.failures[rec.BatchID]; n > 0 {
		s.failures[rec.BatchID] = n - 1
		s.mu.Unlock()
		return errors.NewPersistence("save checkpoint", fmt.Errorf("injected failure"))
	}
	s.mu.Unlock()
	return s.Store.Save(ctx, snap, rec)
}

func TestRunnerRetryReplaysBatch(t *testing.T) {
	cfg := testConfig(t)
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	flaky := &flakySaves{Store: store, failures: map[int64]int{3: 1}}

	sum, err := New(cfg, eng, flaky, ver).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, sum.BatchesCommitted)
	assert.Equal(t, 1, sum.BatchesRetried)
	assert.Zero(t, sum.ChecksFailed, "replayed batch must not double count")

	price, ok := eng.Snapshot().Dimension("price")
	require.True(t, ok)
	assert.Equal(t, int64(95), price.Count)

	rec, err := store.GetBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCommitted, rec.Status)
}

func TestRunnerRetriesExhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.MaxRetries = 1
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	flaky := &flakySaves{Store: store, failures: map[int64]int{4: 10}}

	sum, err := New(cfg, eng, flaky, ver).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetriable(err), "the persistence failure should surface")
	assert.Equal(t, 3, sum.BatchesCommitted)

	rec, err := store.GetBatch(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, rec.Status)
	assert.Contains(t, rec.ErrorMsg, "injected failure")
}

func TestRunnerResumeAfterFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.MaxRetries = 0
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	flaky := &flakySaves{Store: store, failures: map[int64]int{4: 1}}

	_, err := New(cfg, eng, flaky, ver).Run(context.Background())
	require.Error(t, err)

	// Restart with a fresh engine over the same store: the failed batch is
	// replayed wholesale and the run completes.
	cfg.Checkpoint.MaxRetries = 3
	eng2, err := engine.New(engine.Options{Dimensions: cfg.DimensionNames(), PercentileAccuracy: 0.01})
	require.NoError(t, err)

	sum, err := New(cfg, eng2, store, ver).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, sum.BatchesCommitted) // batches 4..10
	assert.Zero(t, sum.ChecksFailed)

	price, ok := eng2.Snapshot().Dimension("price")
	require.True(t, ok)
	assert.Equal(t, int64(95), price.Count)
	assert.Equal(t, float64(4560), price.Sum)
}

func TestRunnerValidationPartition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source.ValidationFile = filepath.Join(cfg.DataDir, "validation.parquet")
	writeInput(t, cfg.Source.Input, mainRows())
	writeInput(t, cfg.Source.ValidationFile, validationRows(12))

	eng, store, ver := newParts(t, cfg)
	sum, err := New(cfg, eng, store, ver).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, sum.BatchesCommitted) // 10 main + 2 validation
	assert.Equal(t, int64(109), sum.RowsProcessed)
	assert.Equal(t, 32, sum.ChecksRun) // before/after + final pass
	assert.Zero(t, sum.ChecksFailed)

	price, ok := eng.Snapshot().Dimension("price")
	require.True(t, ok)
	assert.Equal(t, int64(107), price.Count)
	assert.Equal(t, float64(1011), price.Max)

	// Both check kinds should be in the audit trail.
	records, err := store.ListVerifications(context.Background())
	require.NoError(t, err)
	kinds := map[types.CheckKind]int{}
	for _, rec := range records {
		kinds[rec.Kind]++
	}
	assert.Equal(t, 16, kinds[types.CheckBeforeAfter])
	assert.Equal(t, 16, kinds[types.CheckDirect])
}

func TestRunnerValidationResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.MaxRetries = 0
	cfg.Source.ValidationFile = filepath.Join(cfg.DataDir, "validation.parquet")
	writeInput(t, cfg.Source.Input, mainRows())
	writeInput(t, cfg.Source.ValidationFile, validationRows(20))

	// First run dies on the second validation batch (batch 12).
	eng, store, ver := newParts(t, cfg)
	flaky := &flakySaves{Store: store, failures: map[int64]int{12: 1}}
	_, err := New(cfg, eng, flaky, ver).Run(context.Background())
	require.Error(t, err)

	// The restart must rebuild the "before" state from the checkpoint just
	// ahead of the partition, so the before/after check still covers the
	// whole partition.
	cfg.Checkpoint.MaxRetries = 3
	eng2, err := engine.New(engine.Options{Dimensions: cfg.DimensionNames(), PercentileAccuracy: 0.01})
	require.NoError(t, err)

	sum, err := New(cfg, eng2, store, ver).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.BatchesCommitted)
	assert.Zero(t, sum.ChecksFailed)
	assert.Equal(t, 32, sum.ChecksRun)

	price, ok := eng2.Snapshot().Dimension("price")
	require.True(t, ok)
	assert.Equal(t, int64(115), price.Count)
}

func TestRunnerVerifyOnly(t *testing.T) {
	cfg := testConfig(t)
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	r := New(cfg, eng, store, ver)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	sum, err := r.VerifyOnly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, sum.ChecksRun)
	assert.Zero(t, sum.ChecksFailed)
}

func TestRunnerVerifyOnlyNoCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	eng, store, ver := newParts(t, cfg)

	_, err := New(cfg, eng, store, ver).VerifyOnly(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRunnerResetAll(t *testing.T) {
	cfg := testConfig(t)
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	r := New(cfg, eng, store, ver)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Reset(context.Background(), engine.ScopeAll))

	_, err = store.LoadLatest(context.Background())
	assert.True(t, errors.IsNotFound(err))
	assert.Zero(t, eng.LastBatchID())

	files, err := filepath.Glob(cfg.RowsGlob())
	require.NoError(t, err)
	assert.Empty(t, files)

	// A rerun starts from scratch and lands on the same totals.
	eng2, err := engine.New(engine.Options{Dimensions: cfg.DimensionNames(), PercentileAccuracy: 0.01})
	require.NoError(t, err)
	sum, err := New(cfg, eng2, store, ver).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, sum.BatchesCommitted)
	assert.Zero(t, sum.ChecksFailed)
}

func TestRunnerResetDimension(t *testing.T) {
	cfg := testConfig(t)
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	r := New(cfg, eng, store, ver)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Reset(context.Background(), "price"))

	snap, err := store.LoadLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.LastBatchID, "reset must keep the batch sequence")

	price, ok := snap.Dimension("price")
	require.True(t, ok)
	assert.Zero(t, price.Count)
	volume, ok := snap.Dimension("volume")
	require.True(t, ok)
	assert.Equal(t, int64(97), volume.Count)
}

func TestRunnerResetUnknownDimension(t *testing.T) {
	cfg := testConfig(t)
	eng, store, ver := newParts(t, cfg)

	err := New(cfg, eng, store, ver).Reset(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsScopeError(err))
}

func TestRunnerCorruptCheckpointFatal(t *testing.T) {
	cfg := testConfig(t)
	writeInput(t, cfg.Source.Input, mainRows())

	eng, store, ver := newParts(t, cfg)
	_, err := New(cfg, eng, store, ver).Run(context.Background())
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", cfg.CheckpointPath())
	require.NoError(t, err)
	_, err = db.Exec("UPDATE checkpoints SET payload = X'DEADBEEF' WHERE batch_id = 10")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	eng2, err := engine.New(engine.Options{Dimensions: cfg.DimensionNames(), PercentileAccuracy: 0.01})
	require.NoError(t, err)

	_, err = New(cfg, eng2, store, ver).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err), "tampered payload must surface as corruption")
}

func TestRunnerMissingInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source.Input = ""
	eng, store, ver := newParts(t, cfg)

	_, err := New(cfg, eng, store, ver).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
