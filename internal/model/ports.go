package model

import (
	"context"
	"time"
)

// ── Storage port ──
// Decouples the aggregator from the concrete candle store (SQLite, ClickHouse).

// BarQuery selects stored bars for one series. Zero Start/End mean unbounded.
// Results are ascending by Start; when more than Limit rows match, the most
// recent Limit rows are returned.
type BarQuery struct {
	Pair     string
	Interval Interval
	Start    time.Time
	End      time.Time
	Limit    int
}

// BarStore persists closed bars. UpsertBars must be an idempotent merge keyed
// by (pair, interval, start): writing the same bar twice leaves one row with
// the same values.
type BarStore interface {
	UpsertBars(ctx context.Context, bars []Bar) error
	QueryBars(ctx context.Context, q BarQuery) ([]Bar, error)
	Pairs(ctx context.Context) ([]string, error)
	Close() error
}
