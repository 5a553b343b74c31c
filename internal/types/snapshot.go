package types

import (
	"sort"
	"time"
)

// DimensionSnapshot is an immutable copy of one dimension's running
// aggregate. Variance and stddev are derived at snapshot time from count
// and m2; the engine never stores them, so the stored and derived values
// cannot drift apart.
type DimensionSnapshot struct {
	Dimension   string  `json:"dimension"`
	Count       int64   `json:"count"`
	NullCount   int64   `json:"null_count"`
	Sum         float64 `json:"sum"`
	Mean        float64 `json:"mean"`
	M2          float64 `json:"m2"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Variance    float64 `json:"variance"` // population: m2 / count
	Stddev      float64 `json:"stddev"`
	LastBatchID int64   `json:"last_batch_id"`

	// Percentiles (optional, nil if sketches are disabled)
	P50 *float64 `json:"p50,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`

	// Sketch holds the encoded DDSketch state so that a restore keeps
	// percentile continuity. Encoded as base64 in JSON.
	Sketch []byte `json:"sketch,omitempty"`
}

// IsEmpty returns true if no numeric values were aggregated.
func (d *DimensionSnapshot) IsEmpty() bool {
	return d.Count == 0
}

// HasPercentiles returns true if percentile data is available.
func (d *DimensionSnapshot) HasPercentiles() bool {
	return d.P50 != nil
}

// SetPercentiles sets all percentile values.
func (d *DimensionSnapshot) SetPercentiles(p50, p95, p99 float64) {
	d.P50 = &p50
	d.P95 = &p95
	d.P99 = &p99
}

// Stat returns the named statistic value. Used by verification to walk the
// checkable statistics uniformly.
func (d *DimensionSnapshot) Stat(name string) (float64, bool) {
	switch name {
	case StatCount:
		return float64(d.Count), true
	case StatNullCount:
		return float64(d.NullCount), true
	case StatSum:
		return d.Sum, true
	case StatMean:
		return d.Mean, true
	case StatMin:
		return d.Min, true
	case StatMax:
		return d.Max, true
	case StatVariance:
		return d.Variance, true
	case StatStddev:
		return d.Stddev, true
	default:
		return 0, false
	}
}

// EngineSnapshot is a point-in-time copy of every tracked dimension.
// Snapshots never alias live engine state.
type EngineSnapshot struct {
	LastBatchID int64                        `json:"last_batch_id"`
	TakenAtMs   int64                        `json:"taken_at_ms"`
	Dimensions  map[string]DimensionSnapshot `json:"dimensions"`
}

// Dimension returns the snapshot for one dimension.
func (s *EngineSnapshot) Dimension(name string) (DimensionSnapshot, bool) {
	d, ok := s.Dimensions[name]
	return d, ok
}

// DimensionNames returns the tracked dimension names in sorted order.
func (s *EngineSnapshot) DimensionNames() []string {
	names := make([]string, 0, len(s.Dimensions))
	for name := range s.Dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsEmpty returns true if no batch has been applied. Batch IDs start at 1,
// so a zero LastBatchID marks the initial state.
func (s *EngineSnapshot) IsEmpty() bool {
	return s.LastBatchID == 0
}

// TakenAt returns the snapshot capture time.
func (s *EngineSnapshot) TakenAt() time.Time {
	return time.UnixMilli(s.TakenAtMs)
}
