package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencySummary is a percentile snapshot in milliseconds.
type LatencySummary struct {
	P50     float64 `json:"p50Ms"`
	P95     float64 `json:"p95Ms"`
	P99     float64 `json:"p99Ms"`
	Samples int     `json:"samples"`
}

// LatencyTracker keeps the last N latency samples and reports percentiles.
// The Prometheus histogram covers dashboards; this backs the health report.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64 // ms, circular
	pos     int
	count   int
}

// NewLatencyTracker creates a tracker holding the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: make([]float64, capacity)}
}

// Observe records d.
func (lt *LatencyTracker) Observe(d time.Duration) {
	lt.mu.Lock()
	lt.samples[lt.pos] = float64(d) / float64(time.Millisecond)
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Summary returns p50, p95 and p99 over the retained samples.
func (lt *LatencyTracker) Summary() LatencySummary {
	lt.mu.Lock()
	n := lt.count
	sorted := make([]float64, n)
	if n == len(lt.samples) {
		copy(sorted, lt.samples[lt.pos:])
		copy(sorted[n-lt.pos:], lt.samples[:lt.pos])
	} else {
		copy(sorted, lt.samples[:n])
	}
	lt.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Float64s(sorted)
	return LatencySummary{
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Samples: n,
	}
}

// percentile interpolates the p-th quantile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
