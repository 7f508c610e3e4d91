package candles

import (
	"context"
	"errors"
	"sort"
	"time"

	"dexohlc/internal/model"
)

// Candles returns bars for (pair, interval) within [start, end], ascending.
// Stored rows are merged with live bars; a live bar replaces a stored row
// for the same bucket. Zero start/end mean unbounded. limit is clamped to
// MaxCandles and the most recent bars are kept.
func (a *Aggregator) Candles(ctx context.Context, pair string, iv model.Interval, start, end time.Time, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		limit = DefaultCandles
	}
	if limit > MaxCandles {
		limit = MaxCandles
	}

	stored, err := a.store.QueryBars(ctx, model.BarQuery{
		Pair:     pair,
		Interval: iv,
		Start:    start,
		End:      end,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}

	byStart := make(map[int64]model.Bar, len(stored))
	for _, b := range stored {
		byStart[b.Start.Unix()] = b
	}
	for _, b := range a.liveSeries(pair, iv) {
		if !start.IsZero() && b.Start.Before(start) {
			continue
		}
		if !end.IsZero() && b.Start.After(end) {
			continue
		}
		byStart[b.Start.Unix()] = b
	}

	out := make([]model.Bar, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Latest returns the most recent bar for (pair, interval).
func (a *Aggregator) Latest(ctx context.Context, pair string, iv model.Interval) (model.Bar, error) {
	bars, err := a.Candles(ctx, pair, iv, time.Time{}, time.Time{}, 1)
	if err != nil {
		return model.Bar{}, err
	}
	if len(bars) == 0 {
		return model.Bar{}, ErrNotFound
	}
	return bars[0], nil
}

// Summary builds the rolling 24h view from the last 24 hourly bars.
func (a *Aggregator) Summary(ctx context.Context, pair string) (model.Summary, error) {
	bars, err := a.Candles(ctx, pair, model.Interval1h, time.Time{}, time.Time{}, 24)
	if err != nil {
		return model.Summary{}, err
	}
	if len(bars) == 0 {
		return model.Summary{}, ErrNotFound
	}
	return summarize(pair, bars, a.now()), nil
}

// Summaries returns the summary of every known pair that has hourly bars.
func (a *Aggregator) Summaries(ctx context.Context) ([]model.Summary, error) {
	pairs, err := a.Pairs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Summary, 0, len(pairs))
	for _, p := range pairs {
		s, err := a.Summary(ctx, p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Pairs lists every pair seen live or present in the store, sorted.
func (a *Aggregator) Pairs(ctx context.Context) ([]string, error) {
	stored, err := a.store.Pairs(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(stored))
	for _, p := range stored {
		set[p] = struct{}{}
	}
	a.mu.Lock()
	for p := range a.pairs {
		set[p] = struct{}{}
	}
	a.mu.Unlock()

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// HasPair reports whether pair is known live or in the store.
func (a *Aggregator) HasPair(ctx context.Context, pair string) (bool, error) {
	if a.knownLive(pair) {
		return true, nil
	}
	stored, err := a.store.Pairs(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range stored {
		if p == pair {
			return true, nil
		}
	}
	return false, nil
}

func summarize(pair string, bars []model.Bar, now time.Time) model.Summary {
	first, last := bars[0], bars[len(bars)-1]
	s := model.Summary{
		Pair:      pair,
		LastPrice: last.Close,
		Change:    last.Close - first.Open,
		High:      first.High,
		Low:       first.Low,
		Bars:      len(bars),
		UpdatedAt: now.UTC(),
	}
	if first.Open != 0 {
		s.ChangePercent = s.Change / first.Open * 100
	}
	for _, b := range bars {
		if b.High > s.High {
			s.High = b.High
		}
		if b.Low < s.Low {
			s.Low = b.Low
		}
		s.Volume += b.Volume
	}
	return s
}
