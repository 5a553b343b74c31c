// Package engine implements the incremental statistics engine: one
// running aggregate per tracked dimension, updated strictly sequentially
// one micro-batch at a time, with snapshot/restore for
// restart-from-checkpoint and a merge law for combining independently
// accumulated state.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/types"
)

// ScopeAll is the reset scope covering every tracked dimension.
const ScopeAll = "all"

// Options configures a new Engine.
type Options struct {
	// Dimensions lists the tracked dimension names. Updates referencing
	// any other dimension are rejected.
	Dimensions []string

	// PercentileAccuracy enables DDSketch percentiles when positive
	// (0.01 = 1% relative error).
	PercentileAccuracy float64
}

// Validate checks the options.
func (o Options) Validate() error {
	v := errors.NewValidationErrors()

	if len(o.Dimensions) == 0 {
		v.AddField("dimensions", "at least one tracked dimension is required")
	}

	seen := make(map[string]bool, len(o.Dimensions))
	for _, name := range o.Dimensions {
		if name == "" {
			v.Add(errors.ErrEmptyDimension)
			continue
		}
		if name == ScopeAll {
			v.AddField("dimensions", "'all' is reserved for reset scope")
		}
		if seen[name] {
			v.AddField("dimensions", "duplicate dimension "+name)
		}
		seen[name] = true
	}

	if o.PercentileAccuracy < 0 || o.PercentileAccuracy > 1 {
		v.AddField("percentile_accuracy", "must be between 0 and 1")
	}

	return v.Err()
}

// Stats holds engine counters.
type Stats struct {
	BatchesApplied atomic.Int64
	RowsApplied    atomic.Int64
	ValuesObserved atomic.Int64
	NullsObserved  atomic.Int64
}

// EngineStats is a point-in-time copy of the counters.
type EngineStats struct {
	BatchesApplied int64
	RowsApplied    int64
	ValuesObserved int64
	NullsObserved  int64
}

// Engine owns the live running aggregates for every tracked dimension.
// Batch application is strictly sequential: Update validates the whole
// batch, then applies it under one lock, so readers never observe a
// partially applied batch. Construct one per pipeline; there is no global
// instance.
type Engine struct {
	mu sync.Mutex

	aggregates map[string]*RunningAggregate
	order      []string // registration order, for deterministic iteration

	lastBatchID int64
	accuracy    float64

	stats Stats
}

// New creates an engine tracking the configured dimensions.
func New(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		aggregates: make(map[string]*RunningAggregate, len(opts.Dimensions)),
		order:      make([]string, 0, len(opts.Dimensions)),
		accuracy:   opts.PercentileAccuracy,
	}

	for _, name := range opts.Dimensions {
		e.aggregates[name] = NewAggregate(name, opts.PercentileAccuracy)
		e.order = append(e.order, name)
	}

	return e, nil
}

// Dimensions returns the tracked dimension names in registration order.
func (e *Engine) Dimensions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// HasDimension reports whether the dimension is tracked.
func (e *Engine) HasDimension(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.aggregates[name]
	return ok
}

// LastBatchID returns the id of the last applied batch (0 before the
// first).
func (e *Engine) LastBatchID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBatchID
}

// Update applies one micro-batch. The batch is validated before any state
// mutates: a cell referencing an unknown dimension rejects the whole batch
// with an InvalidScope error, and a batch id that does not advance the
// sequence rejects it as non-monotonic. An empty batch is a no-op that
// still advances the batch sequence. Cost is O(batch size), independent of
// how many rows preceded it.
func (e *Engine) Update(batch *types.Batch) error {
	if batch == nil {
		return errors.Wrap(errors.ErrValidation, "nil batch")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if batch.ID <= e.lastBatchID {
		return errors.Wrapf(errors.ErrNonMonotonicBatch,
			"batch %d after %d", batch.ID, e.lastBatchID)
	}

	for i := range batch.Rows {
		for _, c := range batch.Rows[i].Cells {
			if _, ok := e.aggregates[c.Dimension]; !ok {
				return errors.NewInvalidScope(c.Dimension)
			}
		}
	}

	var values, nulls int64
	for i := range batch.Rows {
		for _, c := range batch.Rows[i].Cells {
			if c.Null {
				e.aggregates[c.Dimension].ObserveNull()
				nulls++
			} else {
				e.aggregates[c.Dimension].Observe(c.Value)
				values++
			}
		}
	}

	for _, name := range e.order {
		e.aggregates[name].markBatch(batch.ID)
	}
	e.lastBatchID = batch.ID

	e.stats.BatchesApplied.Add(1)
	e.stats.RowsApplied.Add(int64(len(batch.Rows)))
	e.stats.ValuesObserved.Add(values)
	e.stats.NullsObserved.Add(nulls)

	return nil
}

// Snapshot returns an immutable point-in-time copy of every tracked
// dimension. It never blocks on I/O.
func (e *Engine) Snapshot() types.EngineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := types.EngineSnapshot{
		LastBatchID: e.lastBatchID,
		TakenAtMs:   time.Now().UnixMilli(),
		Dimensions:  make(map[string]types.DimensionSnapshot, len(e.order)),
	}

	for _, name := range e.order {
		snap.Dimensions[name] = e.aggregates[name].Snapshot()
	}

	return snap
}

// Restore replaces the live state with a previously captured snapshot.
// Snapshots referencing dimensions the engine does not track are rejected;
// tracked dimensions absent from the snapshot start empty.
func (e *Engine) Restore(snap types.EngineSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	restored := make(map[string]*RunningAggregate, len(e.order))
	for name, dsnap := range snap.Dimensions {
		if _, ok := e.aggregates[name]; !ok {
			return errors.NewInvalidScope(name)
		}
		agg, err := aggregateFromSnapshot(dsnap)
		if err != nil {
			return err
		}
		agg.accuracy = e.accuracy
		if agg.sketch == nil && e.accuracy > 0 && agg.count == 0 {
			fresh := NewAggregate(name, e.accuracy)
			agg.sketch = fresh.sketch
		}
		restored[name] = agg
	}

	for _, name := range e.order {
		if agg, ok := restored[name]; ok {
			e.aggregates[name] = agg
		} else {
			e.aggregates[name] = NewAggregate(name, e.accuracy)
		}
	}
	e.lastBatchID = snap.LastBatchID

	return nil
}

// Reset clears aggregate state for one dimension, or for every dimension
// and the batch sequence when scope is "all". An unknown dimension is
// rejected with an InvalidScope error and no state changes.
func (e *Engine) Reset(scope string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if scope == ScopeAll {
		for _, name := range e.order {
			e.aggregates[name].Reset()
		}
		e.lastBatchID = 0
		return nil
	}

	agg, ok := e.aggregates[scope]
	if !ok {
		return errors.NewInvalidScope(scope)
	}
	agg.Reset()
	return nil
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		BatchesApplied: e.stats.BatchesApplied.Load(),
		RowsApplied:    e.stats.RowsApplied.Load(),
		ValuesObserved: e.stats.ValuesObserved.Load(),
		NullsObserved:  e.stats.NullsObserved.Load(),
	}
}

// MergeSnapshots combines two engine snapshots under the merge law:
// dimensions present on both sides merge via the parallel variance
// combination; one-sided dimensions carry over unchanged. The merged
// LastBatchID is the larger of the two.
func MergeSnapshots(a, b types.EngineSnapshot) (types.EngineSnapshot, error) {
	out := types.EngineSnapshot{
		LastBatchID: a.LastBatchID,
		TakenAtMs:   time.Now().UnixMilli(),
		Dimensions:  make(map[string]types.DimensionSnapshot, len(a.Dimensions)),
	}
	if b.LastBatchID > out.LastBatchID {
		out.LastBatchID = b.LastBatchID
	}

	for name, da := range a.Dimensions {
		if db, ok := b.Dimensions[name]; ok {
			merged, err := MergeDimensionSnapshots(da, db)
			if err != nil {
				return types.EngineSnapshot{}, err
			}
			out.Dimensions[name] = merged
		} else {
			out.Dimensions[name] = da
		}
	}
	for name, db := range b.Dimensions {
		if _, ok := a.Dimensions[name]; !ok {
			out.Dimensions[name] = db
		}
	}

	return out, nil
}
