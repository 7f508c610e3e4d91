// Package candles maintains live OHLC bars for every pair across the six
// supported intervals and flushes closed bars to a BarStore on a timer.
package candles

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dexohlc/internal/model"
)

// MaxCandles caps a single Candles query.
const MaxCandles = 1000

// DefaultCandles is used when a query gives no limit.
const DefaultCandles = 100

var (
	// ErrInvalidPrice rejects non-positive or non-finite prices.
	ErrInvalidPrice = errors.New("candles: invalid price")
	// ErrNotFound is returned when a pair has no bars, live or stored.
	ErrNotFound = errors.New("candles: not found")
)

// PersistenceError wraps a failed batch write. The bars stay live and are
// retried on the next flush.
type PersistenceError struct {
	Bars int
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("candles: persist %d bars: %v", e.Bars, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config holds aggregator settings.
type Config struct {
	FlushInterval time.Duration   // default 10s
	FlushTimeout  time.Duration   // per batch write, default 10s
	Intervals     []model.Interval // default model.Intervals

	// FlushedHistory is how many written bucket starts are remembered per
	// series for late-point checks, default 512.
	FlushedHistory int
}

func (c *Config) defaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if len(c.Intervals) == 0 {
		c.Intervals = model.Intervals
	}
	if c.FlushedHistory <= 0 {
		c.FlushedHistory = 512
	}
}

// liveBar is a bar still held in memory. version changes on every update so
// a flush can tell whether the bar moved while it was being written.
type liveBar struct {
	bar     model.Bar
	version uint64
}

// Stats is a point-in-time view of the aggregator.
type Stats struct {
	Running   bool      `json:"running"`
	LiveBars  int       `json:"liveBars"`
	Pairs     int       `json:"pairs"`
	Flushed   int64     `json:"flushed"`
	Late      int64     `json:"latePoints"`
	LastFlush time.Time `json:"lastFlush"`
	LastError string    `json:"lastError,omitempty"`
}

// Aggregator buckets price points into bars. All methods are safe for
// concurrent use; bar state is only mutated under mu.
type Aggregator struct {
	cfg   Config
	store model.BarStore
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.Mutex
	live      map[model.BarKey]*liveBar
	flushedAt map[model.SeriesKey]*flushedStarts
	pairs     map[string]struct{}
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	flushed   int64
	late      int64
	lastFlush time.Time
	lastErr   error

	flushMu sync.Mutex // one flush at a time

	// Optional hooks
	OnBarCompleted func(b model.Bar)
	OnLatePoint    func(p model.PricePoint, iv model.Interval)
	OnFlush        func(bars int, took time.Duration, err error)
}

// New creates an aggregator writing closed bars to store.
func New(store model.BarStore, cfg Config, log zerolog.Logger) *Aggregator {
	cfg.defaults()
	return &Aggregator{
		cfg:       cfg,
		store:     store,
		log:       log,
		now:       time.Now,
		live:      make(map[model.BarKey]*liveBar),
		flushedAt: make(map[model.SeriesKey]*flushedStarts),
		pairs:     make(map[string]struct{}),
	}
}

// Start runs the flush loop until Stop or ctx cancellation.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(runCtx, a.done)
	a.log.Info().Dur("flush_interval", a.cfg.FlushInterval).Int("intervals", len(a.cfg.Intervals)).Msg("started")
	return nil
}

// Stop halts the flush loop, waits for an in-flight flush and runs one
// final flush of closed bars. Bars whose window is still open are dropped.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done

	_, err := a.Flush(ctx)

	a.mu.Lock()
	a.running = false
	forming := len(a.live)
	a.mu.Unlock()
	if forming > 0 {
		a.log.Warn().Int("bars", forming).Msg("discarding bars with open windows on stop")
	}
	a.log.Info().Msg("stopped")
	return err
}

// Running reports whether the flush loop is active.
func (a *Aggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Aggregator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), a.cfg.FlushTimeout)
			if _, err := a.Flush(flushCtx); err != nil {
				a.log.Error().Err(err).Msg("flush failed, bars kept for retry")
			}
			cancel()
		}
	}
}

// Update folds p into the live bar of every interval. A point whose bucket
// was already written for that interval is dropped as late.
func (a *Aggregator) Update(p model.PricePoint) error {
	if p.Pair == "" {
		return fmt.Errorf("candles: price point without pair")
	}
	if !(p.Price > 0) || math.IsInf(p.Price, 0) {
		return ErrInvalidPrice
	}
	if math.IsNaN(p.Volume) || math.IsInf(p.Volume, 0) {
		p.Volume = 0
	}

	var late []model.Interval
	a.mu.Lock()
	a.pairs[p.Pair] = struct{}{}
	for _, iv := range a.cfg.Intervals {
		start := iv.Truncate(p.Timestamp).Unix()
		if fs, ok := a.flushedAt[model.SeriesKey{Pair: p.Pair, Interval: iv}]; ok && fs.written(start) {
			late = append(late, iv)
			continue
		}
		key := model.BarKey{Pair: p.Pair, Interval: iv, Start: start}
		if lb, ok := a.live[key]; ok {
			lb.bar.Apply(p.Price, p.Volume)
			lb.version++
			continue
		}
		a.live[key] = &liveBar{bar: model.NewBar(p, iv)}
	}
	a.late += int64(len(late))
	a.mu.Unlock()

	for _, iv := range late {
		a.log.Debug().Str("pair", p.Pair).Stringer("interval", iv).Time("ts", p.Timestamp).Msg("late point dropped")
		if a.OnLatePoint != nil {
			a.OnLatePoint(p, iv)
		}
	}
	return nil
}

// Flush writes every closed bar in one batch. On success the bars are
// evicted, unless they changed while the write was in flight, in which case
// they stay live and are written again next time. Returns the number of
// bars evicted.
func (a *Aggregator) Flush(ctx context.Context) (int, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	now := a.now()
	a.mu.Lock()
	var batch []model.Bar
	versions := make(map[model.BarKey]uint64)
	for key, lb := range a.live {
		if lb.bar.Closed(now) {
			batch = append(batch, lb.bar)
			versions[key] = lb.version
		}
	}
	a.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	sortBars(batch)

	began := time.Now()
	err := a.store.UpsertBars(ctx, batch)
	took := time.Since(began)
	if a.OnFlush != nil {
		a.OnFlush(len(batch), took, err)
	}
	if err != nil {
		perr := &PersistenceError{Bars: len(batch), Err: err}
		a.mu.Lock()
		a.lastErr = perr
		a.mu.Unlock()
		return 0, perr
	}

	completed := make([]model.Bar, 0, len(batch))
	a.mu.Lock()
	for _, b := range batch {
		key := b.Key()
		lb, ok := a.live[key]
		if !ok || lb.version != versions[key] {
			continue
		}
		delete(a.live, key)
		fs, ok := a.flushedAt[b.Series()]
		if !ok {
			fs = &flushedStarts{}
			a.flushedAt[b.Series()] = fs
		}
		fs.add(key.Start, a.cfg.FlushedHistory)
		completed = append(completed, b)
	}
	a.flushed += int64(len(completed))
	a.lastFlush = now
	a.lastErr = nil
	a.mu.Unlock()

	a.log.Debug().Int("written", len(batch)).Int("evicted", len(completed)).Dur("took", took).Msg("flushed")
	if a.OnBarCompleted != nil {
		for _, b := range completed {
			a.OnBarCompleted(b)
		}
	}
	return len(completed), nil
}

// Stats returns counters for health and metrics.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		Running:   a.running,
		LiveBars:  len(a.live),
		Pairs:     len(a.pairs),
		Flushed:   a.flushed,
		Late:      a.late,
		LastFlush: a.lastFlush,
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}

func (a *Aggregator) liveSeries(pair string, iv model.Interval) []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.Bar
	for key, lb := range a.live {
		if key.Pair == pair && key.Interval == iv {
			out = append(out, lb.bar)
		}
	}
	return out
}

func (a *Aggregator) knownLive(pair string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pairs[pair]
	return ok
}

func sortBars(bars []model.Bar) {
	sort.Slice(bars, func(i, j int) bool {
		if !bars[i].Start.Equal(bars[j].Start) {
			return bars[i].Start.Before(bars[j].Start)
		}
		if bars[i].Pair != bars[j].Pair {
			return bars[i].Pair < bars[j].Pair
		}
		return bars[i].Interval.Seconds() < bars[j].Interval.Seconds()
	})
}
