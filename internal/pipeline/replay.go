package pipeline

import (
	"sync"

	"dexohlc/internal/model"
)

// ReplayBuffer keeps the most recent live price points by sequence number
// so stream clients can backfill a gap after a reconnect.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []model.PricePoint
	pos  int // next write position
	full bool
}

// NewReplayBuffer creates a buffer holding capacity points.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ReplayBuffer{buf: make([]model.PricePoint, capacity)}
}

// Push appends p, overwriting the oldest point when full. Points must be
// pushed in Seq order.
func (rb *ReplayBuffer) Push(p model.PricePoint) {
	rb.mu.Lock()
	rb.buf[rb.pos] = p
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
	rb.mu.Unlock()
}

// Range returns points with from <= Seq <= to, oldest first. to == 0 means
// no upper bound.
func (rb *ReplayBuffer) Range(from, to uint64) []model.PricePoint {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []model.PricePoint
	n := rb.len()
	for i := 0; i < n; i++ {
		p := rb.buf[rb.index(i)]
		if p.Seq >= from && (to == 0 || p.Seq <= to) {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of retained points.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.len()
}

func (rb *ReplayBuffer) len() int {
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

// index maps a logical position (0 = oldest) to a slot.
func (rb *ReplayBuffer) index(logical int) int {
	if rb.full {
		return (rb.pos + logical) % len(rb.buf)
	}
	return logical
}
