package model

import (
	"time"

	"github.com/goccy/go-json"
)

// BarKey identifies one bar: (pair, interval, bucket start in Unix seconds).
type BarKey struct {
	Pair     string
	Interval Interval
	Start    int64
}

// SeriesKey identifies every bar of one (pair, interval).
type SeriesKey struct {
	Pair     string
	Interval Interval
}

// Bar is an OHLC candle for one (pair, interval, bucket).
// Start is the bucket start (UTC, interval aligned) and never changes once set.
type Bar struct {
	Pair       string    `json:"pair"`
	Interval   Interval  `json:"interval"`
	Start      time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"tradeCount"`
}

// NewBar opens a bar for the bucket containing p.Timestamp.
func NewBar(p PricePoint, iv Interval) Bar {
	return Bar{
		Pair:       p.Pair,
		Interval:   iv,
		Start:      iv.Truncate(p.Timestamp),
		Open:       p.Price,
		High:       p.Price,
		Low:        p.Price,
		Close:      p.Price,
		Volume:     nonNegative(p.Volume),
		TradeCount: 1,
	}
}

// Apply merges one more trade into the bar.
func (b *Bar) Apply(price, volume float64) {
	if price > b.High {
		b.High = price
	}
	if price < b.Low {
		b.Low = price
	}
	b.Close = price
	b.Volume += nonNegative(volume)
	b.TradeCount++
}

// End returns the exclusive end of the bar's bucket.
func (b *Bar) End() time.Time {
	return b.Start.Add(b.Interval.Duration())
}

// Closed reports whether the bucket boundary has passed at now.
func (b *Bar) Closed(now time.Time) bool {
	return !now.Before(b.End())
}

// Key returns the bar's identity.
func (b *Bar) Key() BarKey {
	return BarKey{Pair: b.Pair, Interval: b.Interval, Start: b.Start.Unix()}
}

// Series returns the (pair, interval) the bar belongs to.
func (b *Bar) Series() SeriesKey {
	return SeriesKey{Pair: b.Pair, Interval: b.Interval}
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
