// Package pipeline drives ingestion end to end: restore the engine from
// the last committed checkpoint, stream micro-batches from the source,
// commit each one atomically, then run the verification passes.
//
// Batch processing is strictly sequential. One batch's engine update and
// checkpoint commit complete before the next batch begins; a batch either
// commits entirely or is marked failed and replayed wholesale from the
// last committed checkpoint.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/acorvin/tally/internal/config"
	"github.com/acorvin/tally/internal/engine"
	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/logging"
	"github.com/acorvin/tally/internal/parquet"
	"github.com/acorvin/tally/internal/recorder"
	"github.com/acorvin/tally/internal/source"
	"github.com/acorvin/tally/internal/types"
)

// Store is the checkpoint surface the runner drives. *checkpoint.Store
// implements it.
type Store interface {
	LoadLatest(ctx context.Context) (types.EngineSnapshot, error)
	LoadAt(ctx context.Context, batchID int64) (types.EngineSnapshot, error)
	Save(ctx context.Context, snap types.EngineSnapshot, rec types.BatchRecord) error
	BeginBatch(ctx context.Context, rec types.BatchRecord) error
	MarkBatchFailed(ctx context.Context, rec types.BatchRecord) error
	GetBatch(ctx context.Context, batchID int64) (types.BatchRecord, error)
	CommittedBatchCount(ctx context.Context, sourceFile string) (int, error)
	FirstBatchID(ctx context.Context, sourceFile string) (int64, error)
	Reset(ctx context.Context) error
}

// Verifier is the verification surface the runner drives. *verify.Service
// implements it.
type Verifier interface {
	VerifyAll(ctx context.Context, snap types.EngineSnapshot) ([]types.VerificationRecord, error)
	VerifyBeforeAfter(ctx context.Context, before, after types.EngineSnapshot, firstBatch, lastBatch int64) ([]types.VerificationRecord, error)
}

// Summary reports one pipeline run.
type Summary struct {
	BatchesCommitted int
	BatchesRetried   int
	RowsProcessed    int64
	NullCells        int64
	DroppedRows      int64
	ChecksRun        int
	ChecksFailed     int
	Duration         time.Duration
	RowsPerSecond    float64
}

// Runner owns one sequential ingestion run.
type Runner struct {
	cfg      *config.Config
	engine   *engine.Engine
	store    Store
	recorder *recorder.Recorder
	verifier Verifier // nil when verification is disabled
	rowOpts  parquet.Options

	running atomic.Bool
	log     *slog.Logger
}

// New creates a runner. verifier may be nil to skip verification.
func New(cfg *config.Config, eng *engine.Engine, store Store, verifier Verifier) *Runner {
	return &Runner{
		cfg:      cfg,
		engine:   eng,
		store:    store,
		recorder: recorder.New(store),
		verifier: verifier,
		rowOpts:  rowOptions(cfg),
		log:      logging.Component("pipeline"),
	}
}

// Run executes the full flow: restore, ingest the main sequence, ingest
// the optional validation partition with a before/after check, then the
// direct verification pass. Tolerance failures are surfaced in the
// summary, not as errors; only fatal and terminal conditions abort.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, errors.ErrAlreadyRunning
	}
	defer r.running.Store(false)

	if r.cfg.Source.Input == "" {
		return nil, errors.NewMissingField("source.input")
	}

	start := time.Now()
	sum := &Summary{}

	if err := r.restore(ctx); err != nil {
		return nil, err
	}

	if err := r.ingestFile(ctx, r.cfg.Source.Input, sum); err != nil {
		return sum, err
	}

	if r.cfg.Source.ValidationFile != "" {
		if err := r.ingestValidation(ctx, sum); err != nil {
			return sum, err
		}
	}

	if r.verifier != nil {
		records, err := r.verifier.VerifyAll(ctx, r.engine.Snapshot())
		sum.ChecksRun += len(records)
		sum.ChecksFailed += countFailed(records)
		if err != nil && !errors.IsToleranceFailure(err) {
			return sum, err
		}
		if err != nil {
			r.log.Warn("verification detected drift", "error", err)
		}
	}

	sum.Duration = time.Since(start)
	if secs := sum.Duration.Seconds(); secs > 0 {
		sum.RowsPerSecond = float64(sum.RowsProcessed) / secs
	}

	r.log.Info("run complete",
		"batches", sum.BatchesCommitted,
		"rows", sum.RowsProcessed,
		"null_cells", sum.NullCells,
		"dropped_rows", sum.DroppedRows,
		"retries", sum.BatchesRetried,
		"checks", sum.ChecksRun,
		"checks_failed", sum.ChecksFailed,
		"rows_per_sec", fmt.Sprintf("%.0f", sum.RowsPerSecond),
		"duration", sum.Duration)

	return sum, nil
}

// VerifyOnly runs the direct verification pass against the latest
// committed checkpoint without ingesting anything.
func (r *Runner) VerifyOnly(ctx context.Context) (*Summary, error) {
	if r.verifier == nil {
		return nil, errors.NewValidation("verify", "verification is disabled")
	}

	snap, err := r.store.LoadLatest(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	records, err := r.verifier.VerifyAll(ctx, snap)
	sum := &Summary{
		ChecksRun:    len(records),
		ChecksFailed: countFailed(records),
		Duration:     time.Since(start),
	}
	if err != nil && !errors.IsToleranceFailure(err) {
		return sum, err
	}
	if err != nil {
		r.log.Warn("verification detected drift", "error", err)
	}
	return sum, nil
}

// Reset clears pipeline state. Scope "all" wipes the checkpoint database
// and the committed row files; a dimension name clears only that
// aggregate and re-saves the latest checkpoint in place so restarts
// restore the cleared state.
func (r *Runner) Reset(ctx context.Context, scope string) error {
	if scope == engine.ScopeAll {
		if err := r.store.Reset(ctx); err != nil {
			return err
		}
		if err := parquet.Purge(r.cfg.RowsDir()); err != nil {
			return err
		}
		if err := r.engine.Reset(engine.ScopeAll); err != nil {
			return err
		}
		r.log.Info("pipeline state reset")
		return nil
	}

	snap, err := r.store.LoadLatest(ctx)
	if errors.IsNotFound(err) {
		// Nothing persisted; validate the scope against the live engine.
		return r.engine.Reset(scope)
	}
	if err != nil {
		return err
	}
	if err := r.engine.Restore(snap); err != nil {
		return err
	}
	if err := r.engine.Reset(scope); err != nil {
		return err
	}

	rec, err := r.store.GetBatch(ctx, snap.LastBatchID)
	if err != nil {
		return err
	}
	if err := r.store.Save(ctx, r.engine.Snapshot(), rec); err != nil {
		return err
	}
	r.log.Info("dimension reset", "dimension", scope, "batch_id", snap.LastBatchID)
	return nil
}

// restore loads the last committed checkpoint into the engine. A missing
// checkpoint is a cold start; a corrupt one is fatal and surfaces as is.
func (r *Runner) restore(ctx context.Context) error {
	snap, err := r.store.LoadLatest(ctx)
	switch {
	case err == nil:
		if err := r.engine.Restore(snap); err != nil {
			return err
		}
		r.log.Info("checkpoint restored", "last_batch_id", snap.LastBatchID)
		return nil
	case errors.IsNotFound(err):
		r.log.Info("no checkpoint found, starting cold")
		return nil
	default:
		return err
	}
}

// ingestFile streams one parquet file through the per-batch commit path,
// skipping batches already committed from it in earlier runs.
func (r *Runner) ingestFile(ctx context.Context, path string, sum *Summary) error {
	src, err := source.Open(source.Options{
		Path:            path,
		BatchSize:       r.cfg.Source.BatchSize,
		Columns:         sourceColumns(r.cfg),
		TimestampColumn: r.cfg.Source.TimestampColumn,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	committed, err := r.store.CommittedBatchCount(ctx, src.Name())
	if err != nil {
		return err
	}
	if committed > 0 {
		if err := src.Seek(committed); err != nil {
			return err
		}
	}
	r.log.Info("ingesting", "file", src.Name(), "skipped_batches", committed)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := src.Next(ctx)
		if errors.Is(err, errors.ErrSourceDrained) {
			return nil
		}
		if err != nil {
			return err
		}

		batch.ID = r.engine.LastBatchID() + 1
		if err := r.processBatch(ctx, batch, sum); err != nil {
			return err
		}

		sum.BatchesCommitted++
		sum.RowsProcessed += int64(batch.Len())
		sum.NullCells += int64(batch.NullCells())
		sum.DroppedRows += int64(batch.DroppedRows)
	}
}

// processBatch commits one batch, retrying persistence failures from the
// last committed checkpoint. Anything else marks the batch failed and
// stops the run.
func (r *Runner) processBatch(ctx context.Context, batch *types.Batch, sum *Summary) error {
	attempts := r.cfg.Checkpoint.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			sum.BatchesRetried++
			r.log.Warn("replaying batch",
				"batch_id", batch.ID, "attempt", attempt, "error", lastErr)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.Checkpoint.RetryBackoff):
			}
			if err := r.rollback(ctx); err != nil {
				return err
			}
		}

		rec, err := r.attempt(ctx, batch)
		if err == nil {
			return nil
		}
		lastErr = err

		if rec != nil {
			if failErr := r.recorder.Fail(ctx, rec, err); failErr != nil {
				r.log.Error("record batch failure",
					"batch_id", batch.ID, "error", failErr)
			}
		}
		if !errors.IsRetriable(err) {
			return err
		}
	}
	return lastErr
}

// attempt runs one commit attempt: pending record, row file, engine
// update, atomic snapshot+record save.
func (r *Runner) attempt(ctx context.Context, batch *types.Batch) (*types.BatchRecord, error) {
	rec, err := r.recorder.Begin(ctx, batch)
	if err != nil {
		return nil, err
	}

	path, _, err := parquet.WriteBatchFile(r.cfg.RowsDir(), batch, r.rowOpts)
	if err != nil {
		return rec, errors.NewPersistence("write row file", err)
	}

	if err := r.engine.Update(batch); err != nil {
		return rec, err
	}

	r.recorder.Finalize(rec, path)
	if err := r.store.Save(ctx, r.engine.Snapshot(), *rec); err != nil {
		return rec, err
	}
	r.recorder.Committed(rec)
	return rec, nil
}

// rollback restores the engine to the last committed checkpoint so a
// failed batch can be replayed wholesale.
func (r *Runner) rollback(ctx context.Context) error {
	snap, err := r.store.LoadLatest(ctx)
	if errors.IsNotFound(err) {
		return r.engine.Reset(engine.ScopeAll)
	}
	if err != nil {
		return err
	}
	return r.engine.Restore(snap)
}

// ingestValidation runs the late partition through the same commit path,
// bracketed by the before/after merge-law check. The "before" state is
// the live snapshot on a fresh run, or the checkpoint just before the
// partition's first batch when part of it was committed earlier.
func (r *Runner) ingestValidation(ctx context.Context, sum *Summary) error {
	file := filepath.Base(r.cfg.Source.ValidationFile)

	firstBatch := r.engine.LastBatchID() + 1
	before := r.engine.Snapshot()

	first, err := r.store.FirstBatchID(ctx, file)
	if err != nil {
		return err
	}
	if first > 0 {
		firstBatch = first
		prev, err := r.store.LoadAt(ctx, first-1)
		switch {
		case err == nil:
			before = prev
		case errors.IsNotFound(err):
			before = types.EngineSnapshot{}
		default:
			return err
		}
	}

	if err := r.ingestFile(ctx, r.cfg.Source.ValidationFile, sum); err != nil {
		return err
	}

	after := r.engine.Snapshot()
	if r.verifier == nil || after.LastBatchID < firstBatch {
		return nil
	}

	records, err := r.verifier.VerifyBeforeAfter(ctx, before, after, firstBatch, after.LastBatchID)
	sum.ChecksRun += len(records)
	sum.ChecksFailed += countFailed(records)
	if err != nil && !errors.IsToleranceFailure(err) {
		return err
	}
	if err != nil {
		r.log.Warn("before/after check detected drift", "file", file, "error", err)
	} else {
		r.log.Info("before/after check passed",
			"file", file, "first_batch", firstBatch, "last_batch", after.LastBatchID)
	}
	return nil
}

func sourceColumns(cfg *config.Config) []source.Column {
	cols := make([]source.Column, 0, len(cfg.Engine.Dimensions))
	for _, d := range cfg.Engine.Dimensions {
		cols = append(cols, source.Column{Name: d.Name, Min: d.Min, Max: d.Max})
	}
	return cols
}

func rowOptions(cfg *config.Config) parquet.Options {
	opts := parquet.DefaultOptions()
	if alg := cfg.Rows.Compression.Algorithm; alg != "" {
		opts.Compression = parquet.ParseCompressionType(alg)
	}
	if lvl := cfg.Rows.Compression.Level; lvl > 0 {
		opts.CompressionLevel = lvl
	}
	return opts
}

func countFailed(records []types.VerificationRecord) int {
	n := 0
	for _, rec := range records {
		if !rec.Passed {
			n++
		}
	}
	return n
}
