package pipeline

import (
	"sync"

	"dexohlc/internal/model"
)

// PriceBus broadcasts price points to live subscribers. A full subscriber
// channel drops the point for that subscriber only, so a slow consumer
// never blocks ingestion.
type PriceBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	bufSize int
	closed  bool

	// OnDrop is called when a point is dropped for subscriber name.
	OnDrop func(name string)
}

type subscriber struct {
	name string
	ch   chan model.PricePoint
}

// NewPriceBus creates a bus whose subscriber channels hold bufSize points.
func NewPriceBus(bufSize int) *PriceBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &PriceBus{subs: make(map[uint64]*subscriber), bufSize: bufSize}
}

// Subscribe registers a subscriber. The returned cancel func unregisters
// it and closes the channel; it is safe to call more than once.
func (b *PriceBus) Subscribe(name string) (<-chan model.PricePoint, func()) {
	ch := make(chan model.PricePoint, b.bufSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{name: name, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers p to every subscriber without blocking.
func (b *PriceBus) Publish(p model.PricePoint) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- p:
		default:
			if b.OnDrop != nil {
				b.OnDrop(s.name)
			}
		}
	}
}

// Len returns the number of subscribers.
func (b *PriceBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (b *PriceBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
