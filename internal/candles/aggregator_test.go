package candles

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexohlc/internal/model"
)

// memStore is an in-memory BarStore with upsert semantics.
type memStore struct {
	mu       sync.Mutex
	rows     map[model.BarKey]model.Bar
	writes   int
	fail     bool
	onUpsert func()
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[model.BarKey]model.Bar)}
}

func (m *memStore) UpsertBars(_ context.Context, bars []model.Bar) error {
	if m.onUpsert != nil {
		m.onUpsert()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.writes++
	for _, b := range bars {
		m.rows[b.Key()] = b
	}
	return nil
}

func (m *memStore) QueryBars(_ context.Context, q model.BarQuery) ([]model.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bar
	for _, b := range m.rows {
		if b.Pair != q.Pair || b.Interval != q.Interval {
			continue
		}
		if !q.Start.IsZero() && b.Start.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && b.Start.After(q.End) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (m *memStore) Pairs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[string]struct{}{}
	for k := range m.rows {
		set[k.Pair] = struct{}{}
	}
	var out []string
	for p := range set {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) row(pair string, iv model.Interval, start time.Time) (model.Bar, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[model.BarKey{Pair: pair, Interval: iv, Start: start.Unix()}]
	return b, ok
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestAggregator(store model.BarStore, c *clock) *Aggregator {
	a := New(store, Config{FlushInterval: time.Hour}, zerolog.New(io.Discard))
	a.now = c.now
	return a
}

func point(pair string, price float64, ts time.Time) model.PricePoint {
	return model.PricePoint{Pair: pair, Price: price, Volume: 1, Timestamp: ts}
}

func TestUpdate_FansOutToEveryInterval(t *testing.T) {
	a := newTestAggregator(newMemStore(), &clock{t: t0})

	require.NoError(t, a.Update(point("WBNB/USDT", 300, t0.Add(5*time.Second))))

	assert.Equal(t, len(model.Intervals), a.Stats().LiveBars)
	for _, iv := range model.Intervals {
		bars := a.liveSeries("WBNB/USDT", iv)
		require.Len(t, bars, 1, "interval %s", iv)
		assert.Equal(t, iv.Truncate(t0), bars[0].Start)
		assert.Equal(t, int64(1), bars[0].TradeCount)
	}
}

func TestUpdate_RejectsInvalidPrices(t *testing.T) {
	a := newTestAggregator(newMemStore(), &clock{t: t0})

	assert.ErrorIs(t, a.Update(point("A/B", 0, t0)), ErrInvalidPrice)
	assert.ErrorIs(t, a.Update(point("A/B", -1, t0)), ErrInvalidPrice)
	assert.Error(t, a.Update(point("", 1, t0)))
	assert.Zero(t, a.Stats().LiveBars)
}

func TestEndToEnd_WBNBUSDTMinuteBar(t *testing.T) {
	store := newMemStore()
	c := &clock{t: t0.Add(25 * time.Second)}
	a := newTestAggregator(store, c)
	ctx := context.Background()

	for i, price := range []float64{300, 305, 298} {
		require.NoError(t, a.Update(point("WBNB/USDT", price, t0.Add(time.Duration(i*10)*time.Second))))
	}

	bars, err := a.Candles(ctx, "WBNB/USDT", model.Interval1m, time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	want := model.Bar{
		Pair: "WBNB/USDT", Interval: model.Interval1m, Start: t0,
		Open: 300, High: 305, Low: 298, Close: 298, Volume: 3, TradeCount: 3,
	}
	assert.Equal(t, want, bars[0])

	// Window still open: nothing flushed.
	n, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.set(t0.Add(time.Minute))
	n, err = a.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, ok := store.row("WBNB/USDT", model.Interval1m, t0)
	require.True(t, ok)
	assert.Equal(t, want, stored)
	assert.Empty(t, a.liveSeries("WBNB/USDT", model.Interval1m))

	// Still served, now from the store.
	bars, err = a.Candles(ctx, "WBNB/USDT", model.Interval1m, time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.Bar{want}, bars)
}

func TestFlush_Idempotent(t *testing.T) {
	store := newMemStore()
	c := &clock{t: t0}
	a := newTestAggregator(store, c)
	ctx := context.Background()

	require.NoError(t, a.Update(point("A/B", 10, t0)))
	require.NoError(t, a.Update(point("A/B", 11, t0.Add(time.Second))))
	c.set(t0.Add(time.Minute))

	_, err := a.Flush(ctx)
	require.NoError(t, err)
	first, _ := store.row("A/B", model.Interval1m, t0)

	// Writing the same completed bar again restates it without double counting.
	require.NoError(t, store.UpsertBars(ctx, []model.Bar{first}))
	_, err = a.Flush(ctx)
	require.NoError(t, err)

	again, _ := store.row("A/B", model.Interval1m, t0)
	assert.Equal(t, first, again)
	assert.Equal(t, 2.0, again.Volume)
	assert.Equal(t, int64(2), again.TradeCount)
	store.mu.Lock()
	assert.Len(t, store.rows, 1)
	store.mu.Unlock()
}

func TestFlush_FailureKeepsBarsForRetry(t *testing.T) {
	store := newMemStore()
	store.fail = true
	c := &clock{t: t0}
	a := newTestAggregator(store, c)
	var completed []model.Bar
	a.OnBarCompleted = func(b model.Bar) { completed = append(completed, b) }

	require.NoError(t, a.Update(point("A/B", 10, t0)))
	c.set(t0.Add(time.Minute))

	_, err := a.Flush(context.Background())
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Bars)
	assert.Len(t, a.liveSeries("A/B", model.Interval1m), 1)
	assert.Empty(t, completed)
	assert.NotEmpty(t, a.Stats().LastError)

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	n, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, completed, 1)
	assert.Equal(t, model.Interval1m, completed[0].Interval)
	assert.Empty(t, a.Stats().LastError)
}

func TestFlush_BarUpdatedDuringWriteStaysLive(t *testing.T) {
	store := newMemStore()
	c := &clock{t: t0.Add(time.Minute)}
	a := newTestAggregator(store, c)
	require.NoError(t, a.Update(point("A/B", 10, t0)))

	store.onUpsert = func() {
		store.onUpsert = nil
		require.NoError(t, a.Update(point("A/B", 12, t0.Add(30*time.Second))))
	}

	n, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	live := a.liveSeries("A/B", model.Interval1m)
	require.Len(t, live, 1)
	assert.Equal(t, 12.0, live[0].Close)

	n, err = a.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, _ := store.row("A/B", model.Interval1m, t0)
	assert.Equal(t, int64(2), stored.TradeCount)
}

func TestUpdate_LatePointAfterFlushIsDropped(t *testing.T) {
	store := newMemStore()
	c := &clock{t: t0.Add(time.Minute)}
	a := newTestAggregator(store, c)
	var late []model.Interval
	a.OnLatePoint = func(_ model.PricePoint, iv model.Interval) { late = append(late, iv) }

	require.NoError(t, a.Update(point("A/B", 10, t0)))
	_, err := a.Flush(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.Update(point("A/B", 99, t0.Add(10*time.Second))))
	assert.Equal(t, []model.Interval{model.Interval1m}, late)

	stored, _ := store.row("A/B", model.Interval1m, t0)
	assert.Equal(t, 10.0, stored.Close)
	assert.Empty(t, a.liveSeries("A/B", model.Interval1m))
	assert.Equal(t, int64(1), a.Stats().Late)
}

func TestUpdate_LatePointInUnwrittenBucketIsKept(t *testing.T) {
	store := newMemStore()
	c := &clock{t: t0.Add(3 * time.Minute)}
	a := newTestAggregator(store, c)
	var late []model.Interval
	a.OnLatePoint = func(_ model.PricePoint, iv model.Interval) { late = append(late, iv) }

	require.NoError(t, a.Update(point("A/B", 10, t0)))
	require.NoError(t, a.Update(point("A/B", 12, t0.Add(2*time.Minute))))
	_, err := a.Flush(context.Background())
	require.NoError(t, err)

	// t0+1m was never written: the point opens that bucket.
	require.NoError(t, a.Update(point("A/B", 11, t0.Add(time.Minute+5*time.Second))))
	assert.Empty(t, late)
	_, err = a.Flush(context.Background())
	require.NoError(t, err)
	gap, ok := store.row("A/B", model.Interval1m, t0.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, 11.0, gap.Close)

	// Written buckets still reject late points.
	require.NoError(t, a.Update(point("A/B", 99, t0.Add(2*time.Minute+time.Second))))
	assert.Equal(t, []model.Interval{model.Interval1m}, late)
	stored, _ := store.row("A/B", model.Interval1m, t0.Add(2*time.Minute))
	assert.Equal(t, 12.0, stored.Close)
}

func TestFlushedStarts_ForgetsBeyondLimit(t *testing.T) {
	var fs flushedStarts
	for _, s := range []int64{300, 100, 200} {
		fs.add(s, 3)
	}
	assert.True(t, fs.written(100))
	assert.False(t, fs.written(50))
	assert.False(t, fs.written(150))
	assert.False(t, fs.written(400))

	fs.add(400, 3)
	assert.Equal(t, []int64{200, 300, 400}, fs.starts)
	assert.True(t, fs.written(100))
	assert.True(t, fs.written(50))
	assert.False(t, fs.written(250))
}

func TestCandles_MergesStoreAndLiveAndLimits(t *testing.T) {
	store := newMemStore()
	c := &clock{t: t0.Add(3 * time.Minute)}
	a := newTestAggregator(store, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Update(point("A/B", float64(10+i), t0.Add(time.Duration(i)*time.Minute))))
	}
	_, err := a.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Update(point("A/B", 20, t0.Add(3*time.Minute))))

	bars, err := a.Candles(ctx, "A/B", model.Interval1m, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, bars, 4)
	assert.Equal(t, 20.0, bars[3].Close)
	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i-1].Start.Before(bars[i].Start))
	}

	bars, err = a.Candles(ctx, "A/B", model.Interval1m, time.Time{}, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, t0.Add(2*time.Minute), bars[0].Start)

	bars, err = a.Candles(ctx, "A/B", model.Interval1m, t0.Add(time.Minute), t0.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, bars, 2)

	latest, err := a.Latest(ctx, "A/B", model.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, 20.0, latest.Close)

	_, err = a.Latest(ctx, "X/Y", model.Interval1m)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSummary_FromHourlyBars(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.UpsertBars(context.Background(), []model.Bar{
		{Pair: "A/B", Interval: model.Interval1h, Start: t0, Open: 100, High: 110, Low: 95, Close: 105, Volume: 4, TradeCount: 2},
		{Pair: "A/B", Interval: model.Interval1h, Start: t0.Add(time.Hour), Open: 105, High: 120, Low: 90, Close: 110, Volume: 6, TradeCount: 3},
	}))
	a := newTestAggregator(store, &clock{t: t0.Add(2 * time.Hour)})

	s, err := a.Summary(context.Background(), "A/B")
	require.NoError(t, err)
	assert.Equal(t, 110.0, s.LastPrice)
	assert.Equal(t, 10.0, s.Change)
	assert.InDelta(t, 10.0, s.ChangePercent, 1e-9)
	assert.Equal(t, 120.0, s.High)
	assert.Equal(t, 90.0, s.Low)
	assert.Equal(t, 10.0, s.Volume)
	assert.Equal(t, 2, s.Bars)

	all, err := a.Summaries(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = a.Summary(context.Background(), "X/Y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPairs_UnionOfLiveAndStored(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.UpsertBars(context.Background(), []model.Bar{
		{Pair: "C/D", Interval: model.Interval1m, Start: t0, Open: 1, High: 1, Low: 1, Close: 1},
	}))
	a := newTestAggregator(store, &clock{t: t0})
	require.NoError(t, a.Update(point("A/B", 1, t0)))

	pairs, err := a.Pairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A/B", "C/D"}, pairs)

	ok, err := a.HasPair(context.Background(), "C/D")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.HasPair(context.Background(), "E/F")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStop_FlushesClosedBarsOnly(t *testing.T) {
	store := newMemStore()
	c := &clock{t: t0.Add(90 * time.Second)}
	a := newTestAggregator(store, c)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.Running())

	require.NoError(t, a.Update(point("A/B", 10, t0)))
	require.NoError(t, a.Stop(ctx))
	assert.False(t, a.Running())

	_, ok := store.row("A/B", model.Interval1m, t0)
	assert.True(t, ok)
	_, ok = store.row("A/B", model.Interval1h, t0)
	assert.False(t, ok)
}

func TestRun_FlushesOnTicker(t *testing.T) {
	store := newMemStore()
	a := New(store, Config{FlushInterval: 10 * time.Millisecond}, zerolog.New(io.Discard))
	a.now = func() time.Time { return t0.Add(2 * time.Minute) }

	require.NoError(t, a.Update(point("A/B", 10, t0)))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, ok := store.row("A/B", model.Interval1m, t0)
		return ok
	}, time.Second, 5*time.Millisecond)
}
