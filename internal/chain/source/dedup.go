package source

import "sync"

// Dedup is a bounded FIFO set of event ids. Once full, inserting a new id
// evicts the oldest one.
type Dedup struct {
	mu   sync.Mutex
	ring []string
	head int // next write slot
	size int
	set  map[string]struct{}
}

// NewDedup creates a set holding at most capacity ids (minimum 1).
func NewDedup(capacity int) *Dedup {
	if capacity < 1 {
		capacity = 1
	}
	return &Dedup{
		ring: make([]string, capacity),
		set:  make(map[string]struct{}, capacity),
	}
}

// Seen reports whether id is already present. If not, id is recorded.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.set[id]; ok {
		return true
	}
	if d.size == len(d.ring) {
		delete(d.set, d.ring[d.head])
	} else {
		d.size++
	}
	d.ring[d.head] = id
	d.set[id] = struct{}{}
	d.head = (d.head + 1) % len(d.ring)
	return false
}

// Len returns the number of ids held.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Cap returns the capacity.
func (d *Dedup) Cap() int { return len(d.ring) }

// Reset forgets every id.
func (d *Dedup) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.ring {
		d.ring[i] = ""
	}
	d.head, d.size = 0, 0
	d.set = make(map[string]struct{}, len(d.ring))
}
