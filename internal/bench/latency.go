package bench

import (
	"slices"
	"sync"
	"time"
)

// LatencyRecorder collects completion latencies for percentile calculation.
type LatencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
	sum     time.Duration
	min     time.Duration
	max     time.Duration
}

// NewLatencyRecorder creates a recorder sized for n samples.
func NewLatencyRecorder(n int) *LatencyRecorder {
	return &LatencyRecorder{samples: make([]time.Duration, 0, n)}
}

// Record adds a latency sample.
func (r *LatencyRecorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 || d < r.min {
		r.min = d
	}
	r.max = max(r.max, d)
	r.samples = append(r.samples, d)
	r.sum += d
}

// Count is the number of recorded samples.
func (r *LatencyRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Percentiles returns the distribution of recorded samples.
func (r *LatencyRecorder) Percentiles() Percentiles {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.samples)
	if n == 0 {
		return Percentiles{}
	}
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)

	return Percentiles{
		Avg: r.sum / time.Duration(n),
		Min: r.min,
		Max: r.max,
		P50: sorted[percentileIndex(n, 50)],
		P90: sorted[percentileIndex(n, 90)],
		P99: sorted[percentileIndex(n, 99)],
	}
}

func percentileIndex(n int, percentile float64) int {
	idx := int(float64(n) * percentile / 100)
	return min(max(idx, 0), n-1)
}
