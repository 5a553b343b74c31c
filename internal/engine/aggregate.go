package engine

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/DataDog/sketches-go/ddsketch/store"

	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/types"
)

// RunningAggregate maintains running statistics for a single tracked
// dimension. Count, mean, and m2 follow Welford's online update, so one
// value costs O(1) regardless of how much history preceded it. Variance
// and stddev are derived at snapshot time and never stored.
// It supports optional percentile tracking using DDSketch.
type RunningAggregate struct {
	mu sync.Mutex

	// Identity
	dimension string

	// Running statistics
	count     int64
	nullCount int64
	sum       float64
	mean      float64
	m2        float64 // sum of squared deviations from the running mean
	min       float64
	max       float64

	// Last batch applied to the owning engine
	lastBatchID int64

	// DDSketch for percentiles (nil if disabled)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// NewAggregate creates a new RunningAggregate for the given dimension.
// A positive percentile accuracy (0.01 = 1% relative error) enables
// sketch-based percentiles; zero or negative disables them.
func NewAggregate(dimension string, percentileAccuracy float64) *RunningAggregate {
	agg := &RunningAggregate{
		dimension: dimension,
		min:       math.MaxFloat64,
		max:       -math.MaxFloat64,
		accuracy:  percentileAccuracy,
	}

	if percentileAccuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(percentileAccuracy)
		if err == nil {
			agg.sketch = sketch
		}
	}

	return agg
}

// Dimension returns the dimension this aggregate tracks.
func (a *RunningAggregate) Dimension() string {
	return a.dimension
}

// Observe adds a numeric value to the aggregate.
func (a *RunningAggregate) Observe(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += value

	delta := value - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (value - a.mean)

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// ObserveNull tallies a missing or non-numeric value. Nulls never touch
// sum, mean, min, or max.
func (a *RunningAggregate) ObserveNull() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nullCount++
}

// ObserveCell routes a cell to Observe or ObserveNull.
func (a *RunningAggregate) ObserveCell(c types.Cell) {
	if c.Null {
		a.ObserveNull()
		return
	}
	a.Observe(c.Value)
}

// Count returns the number of numeric values observed.
func (a *RunningAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// NullCount returns the number of null values observed.
func (a *RunningAggregate) NullCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nullCount
}

// IsEmpty returns true if no numeric values have been observed.
func (a *RunningAggregate) IsEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count == 0
}

// markBatch records the id of the batch that last updated the owning
// engine.
func (a *RunningAggregate) markBatch(batchID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastBatchID = batchID
}

// Snapshot returns an immutable copy of the aggregate. Derived statistics
// (population variance, stddev, percentiles) are computed here.
func (a *RunningAggregate) Snapshot() types.DimensionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := types.DimensionSnapshot{
		Dimension:   a.dimension,
		Count:       a.count,
		NullCount:   a.nullCount,
		Sum:         a.sum,
		LastBatchID: a.lastBatchID,
	}

	if a.count > 0 {
		snap.Mean = a.mean
		snap.Min = a.min
		snap.Max = a.max

		// Merge rounding can leave m2 a hair below zero.
		m2 := a.m2
		if m2 < 0 {
			m2 = 0
		}
		snap.M2 = m2
		snap.Variance = m2 / float64(a.count)
		snap.Stddev = math.Sqrt(snap.Variance)
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p95, _ := a.sketch.GetValueAtQuantile(0.95)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		snap.SetPercentiles(p50, p95, p99)

		var buf []byte
		a.sketch.Encode(&buf, false)
		snap.Sketch = buf
	}

	return snap
}

// Reset clears all state for the dimension.
func (a *RunningAggregate) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count = 0
	a.nullCount = 0
	a.sum = 0
	a.mean = 0
	a.m2 = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.lastBatchID = 0

	if a.sketch != nil {
		// Create a new sketch (DDSketch has no Clear method)
		newSketch, err := ddsketch.NewDefaultDDSketch(a.accuracy)
		if err == nil {
			a.sketch = newSketch
		}
	}
}

// Merge combines another aggregate into this one using the parallel
// variance combination, so that merging any partition of a row sequence
// equals processing the full sequence directly.
func (a *RunningAggregate) Merge(other *RunningAggregate) {
	if other == nil {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	if other.count > 0 {
		if a.count == 0 {
			a.mean = other.mean
			a.m2 = other.m2
		} else {
			na := float64(a.count)
			nb := float64(other.count)
			delta := other.mean - a.mean
			a.mean += delta * nb / (na + nb)
			a.m2 += other.m2 + delta*delta*na*nb/(na+nb)
		}

		a.count += other.count
		a.sum += other.sum

		if other.min < a.min {
			a.min = other.min
		}
		if other.max > a.max {
			a.max = other.max
		}
	}

	a.nullCount += other.nullCount

	if other.lastBatchID > a.lastBatchID {
		a.lastBatchID = other.lastBatchID
	}

	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	} else if other.count > 0 {
		// A one-sided sketch no longer covers the merged population.
		a.sketch = nil
	}
}

// aggregateFromSnapshot rebuilds a RunningAggregate from a snapshot,
// validating its invariants. Used for restore-from-checkpoint and for
// merging snapshots.
func aggregateFromSnapshot(snap types.DimensionSnapshot) (*RunningAggregate, error) {
	if snap.Count < 0 || snap.NullCount < 0 {
		return nil, errors.NewCorruption("negative count in dimension " + snap.Dimension)
	}
	if snap.M2 < 0 {
		return nil, errors.NewCorruption("negative m2 in dimension " + snap.Dimension)
	}
	if snap.Count > 0 && snap.Min > snap.Max {
		return nil, errors.NewCorruption("min above max in dimension " + snap.Dimension)
	}

	agg := &RunningAggregate{
		dimension:   snap.Dimension,
		count:       snap.Count,
		nullCount:   snap.NullCount,
		sum:         snap.Sum,
		mean:        snap.Mean,
		m2:          snap.M2,
		min:         math.MaxFloat64,
		max:         -math.MaxFloat64,
		lastBatchID: snap.LastBatchID,
	}
	if snap.Count > 0 {
		agg.min = snap.Min
		agg.max = snap.Max
	}

	if len(snap.Sketch) > 0 {
		sketch, err := ddsketch.DecodeDDSketch(snap.Sketch, store.DenseStoreConstructor, nil)
		if err != nil {
			return nil, errors.NewCorruption("decode sketch for dimension " + snap.Dimension + ": " + err.Error())
		}
		agg.sketch = sketch
	}

	return agg, nil
}

// MergeDimensionSnapshots combines two dimension snapshots under the merge
// law. Percentile sketches are merged only when both sides carry one.
func MergeDimensionSnapshots(a, b types.DimensionSnapshot) (types.DimensionSnapshot, error) {
	if a.Dimension != b.Dimension {
		return types.DimensionSnapshot{}, errors.NewValidation("dimension",
			"cannot merge "+a.Dimension+" with "+b.Dimension)
	}

	left, err := aggregateFromSnapshot(a)
	if err != nil {
		return types.DimensionSnapshot{}, err
	}
	right, err := aggregateFromSnapshot(b)
	if err != nil {
		return types.DimensionSnapshot{}, err
	}

	left.Merge(right)
	return left.Snapshot(), nil
}
