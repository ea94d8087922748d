package metrics

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Histogram keeps a bounded window of batch latencies for percentile
// reporting in run summaries. The Prometheus histogram only exposes
// buckets, so the summary line needs its own samples.
type Histogram struct {
	mu      sync.Mutex
	samples []time.Duration
	maxSize int
}

// NewHistogram creates a histogram holding at most maxSize samples.
// When full, the oldest fifth is dropped.
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Histogram{samples: make([]time.Duration, 0, min(maxSize, 1024)), maxSize: maxSize}
}

// Record adds a sample.
func (h *Histogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, d)
	if len(h.samples) > h.maxSize {
		h.samples = slices.Delete(h.samples, 0, max(h.maxSize/5, 1))
	}
}

// Percentile returns the p-th percentile (0-100), interpolating between
// neighbouring samples. It returns 0 when empty.
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.Lock()
	sorted := slices.Clone(h.samples)
	h.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)

	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	fraction := index - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-fraction) + float64(sorted[upper])*fraction)
}

// Max returns the largest sample.
func (h *Histogram) Max() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == 0 {
		return 0
	}
	return slices.Max(h.samples)
}

// Count returns the number of retained samples.
func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}
