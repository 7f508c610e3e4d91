package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyTracker_Empty(t *testing.T) {
	assert.Equal(t, LatencySummary{}, NewLatencyTracker(10).Summary())
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	lt := NewLatencyTracker(1000)
	for i := 1; i <= 100; i++ {
		lt.Observe(time.Duration(i) * time.Millisecond)
	}
	s := lt.Summary()
	assert.Equal(t, 100, s.Samples)
	assert.InDelta(t, 50.5, s.P50, 0.01)
	assert.InDelta(t, 95.05, s.P95, 0.01)
	assert.InDelta(t, 99.01, s.P99, 0.01)
}

func TestLatencyTracker_KeepsNewestSamples(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 20; i++ {
		lt.Observe(time.Duration(i) * time.Millisecond)
	}
	s := lt.Summary()
	assert.Equal(t, 10, s.Samples)
	assert.InDelta(t, 15.5, s.P50, 0.01)
}
