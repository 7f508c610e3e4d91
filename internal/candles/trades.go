package candles

import (
	"sync"

	"dexohlc/internal/model"
)

// MaxTrades caps a single recent-trades query.
const MaxTrades = 200

// tradeRing is a fixed-size circular buffer of trades. Overwrites the
// oldest entry when full.
type tradeRing struct {
	buf  []model.Trade
	pos  int // next write position
	full bool
}

func newTradeRing(capacity int) *tradeRing {
	return &tradeRing{buf: make([]model.Trade, capacity)}
}

func (r *tradeRing) push(t model.Trade) {
	r.buf[r.pos] = t
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *tradeRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

// newest returns up to n trades, newest first.
func (r *tradeRing) newest(n int) []model.Trade {
	count := r.len()
	if n > count {
		n = count
	}
	out := make([]model.Trade, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.pos - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// TradeBook keeps the most recent trades per pair and across all pairs.
// Thread-safe for concurrent writes and reads.
type TradeBook struct {
	mu       sync.RWMutex
	capacity int
	all      *tradeRing
	byPair   map[string]*tradeRing
}

// NewTradeBook creates a book holding capacity trades per pair (and
// capacity across all pairs). Defaults to MaxTrades.
func NewTradeBook(capacity int) *TradeBook {
	if capacity <= 0 {
		capacity = MaxTrades
	}
	return &TradeBook{
		capacity: capacity,
		all:      newTradeRing(capacity),
		byPair:   make(map[string]*tradeRing),
	}
}

// Add records a trade.
func (tb *TradeBook) Add(t model.Trade) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	r, ok := tb.byPair[t.Pair]
	if !ok {
		r = newTradeRing(tb.capacity)
		tb.byPair[t.Pair] = r
	}
	r.push(t)
	tb.all.push(t)
}

// Recent returns up to limit trades, newest first. An empty pair means all
// pairs. limit is clamped to [1, MaxTrades]; zero selects 50.
func (tb *TradeBook) Recent(pair string, limit int) []model.Trade {
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxTrades {
		limit = MaxTrades
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if pair == "" {
		return tb.all.newest(limit)
	}
	r, ok := tb.byPair[pair]
	if !ok {
		return []model.Trade{}
	}
	return r.newest(limit)
}
