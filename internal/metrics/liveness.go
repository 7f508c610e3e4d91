package metrics

import (
	"context"
	"sync"
	"time"

	"dexohlc/internal/model"
)

// Probe checks one external dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeResult is the outcome of the last run of a probe.
type ProbeResult struct {
	Up        bool      `json:"up"`
	LatencyMs float64   `json:"latencyMs"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Liveness runs dependency probes periodically and keeps their last result.
type Liveness struct {
	probes  []Probe
	metrics *Metrics

	mu      sync.RWMutex
	results map[string]ProbeResult
}

// NewLiveness creates a checker. m may be nil.
func NewLiveness(m *Metrics, probes ...Probe) *Liveness {
	return &Liveness{probes: probes, metrics: m, results: make(map[string]ProbeResult, len(probes))}
}

// CheckNow runs every probe once.
func (l *Liveness) CheckNow(ctx context.Context) {
	for _, p := range l.probes {
		start := time.Now()
		err := p.Check(ctx)
		latency := time.Since(start)

		res := ProbeResult{
			Up:        err == nil,
			LatencyMs: float64(latency.Microseconds()) / 1000.0,
			CheckedAt: time.Now().UTC(),
		}
		if err != nil {
			res.Error = err.Error()
		}

		l.mu.Lock()
		l.results[p.Name] = res
		l.mu.Unlock()

		if l.metrics != nil {
			up := 0.0
			if res.Up {
				up = 1
			}
			l.metrics.DependencyUp.WithLabelValues(p.Name).Set(up)
			l.metrics.DependencyLatency.WithLabelValues(p.Name).Set(latency.Seconds())
		}
	}
}

// Run probes every interval until ctx is cancelled.
func (l *Liveness) Run(ctx context.Context, interval time.Duration) {
	l.probeOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.probeOnce(ctx)
		}
	}
}

func (l *Liveness) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	l.CheckNow(probeCtx)
}

// Results returns a copy of the last probe results.
func (l *Liveness) Results() map[string]ProbeResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]ProbeResult, len(l.results))
	for k, v := range l.results {
		out[k] = v
	}
	return out
}

// Level is healthy when every probed dependency is up, degraded otherwise.
// Unprobed dependencies do not count.
func (l *Liveness) Level() model.HealthLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.results {
		if !r.Up {
			return model.HealthDegraded
		}
	}
	return model.HealthHealthy
}
