// Package verify recomputes statistics directly from the persisted row
// files and compares them with incrementally maintained engine snapshots.
// Every comparison lands in the append-only audit store; verification
// itself never mutates engine state.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/errgroup"

	"github.com/acorvin/tally/internal/engine"
	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/types"
)

// Auditor persists verification outcomes.
type Auditor interface {
	AppendVerification(ctx context.Context, rec types.VerificationRecord) error
}

// Options configures the verification service.
type Options struct {
	// RowsGlob matches the persisted per-batch row files.
	RowsGlob string

	// Audit receives every comparison outcome. Optional; nil disables
	// audit persistence.
	Audit Auditor

	// ExactTolerance bounds the relative difference for statistics whose
	// incremental and direct paths see identical float values (count,
	// null_count, sum, min, max).
	ExactTolerance float64

	// DriftTolerance bounds the relative difference for derived moments
	// (mean, variance, stddev) where accumulation order differs.
	DriftTolerance float64

	// MemoryLimit caps DuckDB memory, e.g. "2GB". Empty leaves the default.
	MemoryLimit string

	// Threads caps DuckDB parallelism. 0 leaves the default.
	Threads int

	// Timeout bounds a single direct-aggregate query.
	Timeout time.Duration

	// Concurrency bounds how many dimensions verify in parallel.
	Concurrency int
}

// Service runs verification checks over an in-memory DuckDB instance.
type Service struct {
	mu   sync.Mutex
	db   *sql.DB
	opts Options

	// Statistics
	stats Stats
}

// Stats holds verification counters.
type Stats struct {
	ChecksRun       int64
	ChecksPassed    int64
	ChecksFailed    int64
	QueriesExecuted int64
}

// New creates a verification service.
func New(opts Options) (*Service, error) {
	if opts.RowsGlob == "" {
		return nil, errors.NewMissingField("rows glob")
	}
	if opts.ExactTolerance <= 0 {
		opts.ExactTolerance = 1e-9
	}
	if opts.DriftTolerance <= 0 {
		opts.DriftTolerance = 1e-6
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "open duckdb")
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set memory limit")
		}
	}
	if opts.Threads > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", opts.Threads)); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set thread limit")
		}
	}

	return &Service{db: db, opts: opts}, nil
}

// Close closes the verification service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// VerifyDimension recomputes one dimension's statistics from the persisted
// rows up to the snapshot's last batch and compares them with the snapshot.
// All outcomes are appended to the audit store; a tolerance failure is
// returned as an error after every statistic has been checked and recorded.
func (s *Service) VerifyDimension(ctx context.Context, snap types.EngineSnapshot, dimension string) ([]types.VerificationRecord, error) {
	dsnap, ok := snap.Dimension(dimension)
	if !ok {
		return nil, errors.NewInvalidScope(dimension)
	}

	direct, err := s.directAggregate(ctx, dimension, snap.LastBatchID)
	if err != nil {
		return nil, err
	}

	records := s.buildRecords(types.CheckDirect, dimension, dsnap.Stat, direct.stat)
	if err := s.audit(ctx, records); err != nil {
		return records, err
	}
	s.tally(records)
	return records, firstFailure(records)
}

// VerifyAll verifies every dimension in the snapshot, bounded by the
// configured concurrency. Tolerance failures do not stop other dimensions;
// the first one is returned after all checks ran. Any other error aborts
// the pass.
func (s *Service) VerifyAll(ctx context.Context, snap types.EngineSnapshot) ([]types.VerificationRecord, error) {
	var (
		mu       sync.Mutex
		all      []types.VerificationRecord
		firstTol error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, name := range snap.DimensionNames() {
		g.Go(func() error {
			records, err := s.VerifyDimension(gctx, snap, name)

			mu.Lock()
			defer mu.Unlock()
			all = append(all, records...)
			if err != nil && errors.IsToleranceFailure(err) {
				if firstTol == nil {
					firstTol = err
				}
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return all, err
	}

	// Concurrent appends shuffle dimensions; restore report order.
	sortRecords(all)
	return all, firstTol
}

// VerifyBeforeAfter checks the merge law over one ingested partition:
// merging the before-snapshot with a direct aggregate of only the
// partition's rows must match the after-snapshot within tolerance.
func (s *Service) VerifyBeforeAfter(ctx context.Context, before, after types.EngineSnapshot, firstBatch, lastBatch int64) ([]types.VerificationRecord, error) {
	var (
		all      []types.VerificationRecord
		firstTol error
	)

	for _, name := range after.DimensionNames() {
		afterDim, _ := after.Dimension(name)
		beforeDim, ok := before.Dimension(name)
		if !ok {
			beforeDim = types.DimensionSnapshot{Dimension: name}
		}

		part, err := s.partitionSnapshot(ctx, name, firstBatch, lastBatch)
		if err != nil {
			return all, err
		}
		expected, err := engine.MergeDimensionSnapshots(beforeDim, part)
		if err != nil {
			return all, err
		}

		records := s.buildRecords(types.CheckBeforeAfter, name, afterDim.Stat, expected.Stat)
		if err := s.audit(ctx, records); err != nil {
			return all, err
		}
		s.tally(records)
		all = append(all, records...)

		if err := firstFailure(records); err != nil && firstTol == nil {
			firstTol = err
		}
	}
	return all, firstTol
}

// Stats returns a copy of the verification counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// directStats holds one dimension's statistics recomputed from rows.
type directStats struct {
	count     int64
	nullCount int64
	sum       float64
	mean      float64
	min       float64
	max       float64
	variance  float64
	stddev    float64
}

// stat mirrors types.DimensionSnapshot.Stat so comparison code can walk
// both sides uniformly.
func (d *directStats) stat(name string) (float64, bool) {
	switch name {
	case types.StatCount:
		return float64(d.count), true
	case types.StatNullCount:
		return float64(d.nullCount), true
	case types.StatSum:
		return d.sum, true
	case types.StatMean:
		return d.mean, true
	case types.StatMin:
		return d.min, true
	case types.StatMax:
		return d.max, true
	case types.StatVariance:
		return d.variance, true
	case types.StatStddev:
		return d.stddev, true
	default:
		return 0, false
	}
}

const directAggregateSQL = `
SELECT
    count(*) FILTER (WHERE NOT is_null)                AS cnt,
    count(*) FILTER (WHERE is_null)                    AS null_cnt,
    coalesce(sum(value) FILTER (WHERE NOT is_null), 0) AS total,
    avg(value)        FILTER (WHERE NOT is_null)       AS mean,
    min(value)        FILTER (WHERE NOT is_null)       AS minimum,
    max(value)        FILTER (WHERE NOT is_null)       AS maximum,
    var_pop(value)    FILTER (WHERE NOT is_null)       AS variance,
    stddev_pop(value) FILTER (WHERE NOT is_null)       AS stddev
FROM read_parquet($1)
WHERE dimension = $2 AND batch_id <= $3`

// directAggregate recomputes one dimension's statistics from every
// persisted row up to and including maxBatchID.
func (s *Service) directAggregate(ctx context.Context, dimension string, maxBatchID int64) (directStats, error) {
	var d directStats

	ok, err := s.hasRowFiles()
	if err != nil {
		return d, err
	}
	if !ok {
		// Nothing persisted yet; every direct statistic is zero.
		return d, nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var mean, minv, maxv, variance, stddev sql.NullFloat64
	err = s.db.QueryRowContext(qctx, directAggregateSQL, s.opts.RowsGlob, dimension, maxBatchID).
		Scan(&d.count, &d.nullCount, &d.sum, &mean, &minv, &maxv, &variance, &stddev)
	if err != nil {
		return d, errors.Wrap(err, "direct aggregate query")
	}
	s.countQuery()

	if mean.Valid {
		d.mean = mean.Float64
	}
	if minv.Valid {
		d.min = minv.Float64
	}
	if maxv.Valid {
		d.max = maxv.Float64
	}
	if variance.Valid {
		d.variance = variance.Float64
	}
	if stddev.Valid {
		d.stddev = stddev.Float64
	}
	return d, nil
}

const partitionAggregateSQL = `
SELECT
    count(*) FILTER (WHERE NOT is_null)                AS cnt,
    count(*) FILTER (WHERE is_null)                    AS null_cnt,
    coalesce(sum(value) FILTER (WHERE NOT is_null), 0) AS total,
    avg(value)     FILTER (WHERE NOT is_null)          AS mean,
    min(value)     FILTER (WHERE NOT is_null)          AS minimum,
    max(value)     FILTER (WHERE NOT is_null)          AS maximum,
    var_pop(value) FILTER (WHERE NOT is_null)          AS variance
FROM read_parquet($1)
WHERE dimension = $2 AND batch_id BETWEEN $3 AND $4`

// partitionSnapshot aggregates only the rows of one batch range into a
// snapshot suitable for merging.
func (s *Service) partitionSnapshot(ctx context.Context, dimension string, firstBatch, lastBatch int64) (types.DimensionSnapshot, error) {
	snap := types.DimensionSnapshot{Dimension: dimension, LastBatchID: lastBatch}

	ok, err := s.hasRowFiles()
	if err != nil {
		return snap, err
	}
	if !ok {
		return snap, nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var mean, minv, maxv, variance sql.NullFloat64
	err = s.db.QueryRowContext(qctx, partitionAggregateSQL, s.opts.RowsGlob, dimension, firstBatch, lastBatch).
		Scan(&snap.Count, &snap.NullCount, &snap.Sum, &mean, &minv, &maxv, &variance)
	if err != nil {
		return snap, errors.Wrap(err, "partition aggregate query")
	}
	s.countQuery()

	if snap.Count > 0 {
		snap.Mean = mean.Float64
		snap.Min = minv.Float64
		snap.Max = maxv.Float64
		snap.Variance = variance.Float64
		snap.M2 = variance.Float64 * float64(snap.Count)
		snap.Stddev = math.Sqrt(snap.Variance)
	}
	return snap, nil
}

// hasRowFiles reports whether the rows glob matches anything. DuckDB errors
// on a glob with zero matches, so the empty case is answered here.
func (s *Service) hasRowFiles() (bool, error) {
	files, err := filepath.Glob(s.opts.RowsGlob)
	if err != nil {
		return false, errors.Wrap(err, "expand rows glob")
	}
	return len(files) > 0, nil
}

// buildRecords compares every checkable statistic between the incremental
// and direct sides and returns one record per statistic.
func (s *Service) buildRecords(kind types.CheckKind, dimension string, incremental, direct func(string) (float64, bool)) []types.VerificationRecord {
	now := time.Now().UnixMilli()
	records := make([]types.VerificationRecord, 0, len(types.CheckedStats))

	for _, stat := range types.CheckedStats {
		inc, ok := incremental(stat)
		if !ok {
			continue
		}
		dir, ok := direct(stat)
		if !ok {
			continue
		}

		tol := s.toleranceFor(stat)
		rel := relativeDiff(inc, dir)
		records = append(records, types.VerificationRecord{
			CheckID:     uuid.NewString(),
			Kind:        kind,
			Dimension:   dimension,
			Statistic:   stat,
			Incremental: inc,
			Direct:      dir,
			AbsDiff:     math.Abs(inc - dir),
			RelDiff:     rel,
			Tolerance:   tol,
			Passed:      rel <= tol,
			CreatedAtMs: now,
		})
	}
	return records
}

// toleranceFor returns the tier tolerance for one statistic.
func (s *Service) toleranceFor(stat string) float64 {
	switch stat {
	case types.StatMean, types.StatVariance, types.StatStddev:
		return s.opts.DriftTolerance
	default:
		return s.opts.ExactTolerance
	}
}

// relativeDiff returns |a-b| scaled by the larger magnitude. Two exact
// zeros compare equal.
func relativeDiff(a, b float64) float64 {
	if a == b {
		return 0
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 0
	}
	return math.Abs(a-b) / denom
}

// firstFailure returns a tolerance error for the first failed record.
func firstFailure(records []types.VerificationRecord) error {
	for _, rec := range records {
		if !rec.Passed {
			return errors.NewTolerance(rec.Dimension, rec.Statistic, rec.RelDiff, rec.Tolerance)
		}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, records []types.VerificationRecord) error {
	if s.opts.Audit == nil {
		return nil
	}
	for _, rec := range records {
		if err := s.opts.Audit.AppendVerification(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) tally(records []types.VerificationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.stats.ChecksRun++
		if rec.Passed {
			s.stats.ChecksPassed++
		} else {
			s.stats.ChecksFailed++
		}
	}
}

func (s *Service) countQuery() {
	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.mu.Unlock()
}

func sortRecords(records []types.VerificationRecord) {
	statOrder := make(map[string]int, len(types.CheckedStats))
	for i, stat := range types.CheckedStats {
		statOrder[stat] = i
	}
	sortFn := func(i, j int) bool {
		if records[i].Dimension != records[j].Dimension {
			return records[i].Dimension < records[j].Dimension
		}
		return statOrder[records[i].Statistic] < statOrder[records[j].Statistic]
	}
	sort.Slice(records, sortFn)
}
