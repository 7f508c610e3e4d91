package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dexohlc/internal/model"
)

// QueryBars returns bars for one series ascending by ts. When more than
// q.Limit rows match, the most recent q.Limit are returned.
func (s *Store) QueryBars(ctx context.Context, q model.BarQuery) ([]model.Bar, error) {
	var (
		where = []string{"pair = ?", "tf = ?"}
		args  = []interface{}{q.Pair, string(q.Interval)}
	)
	if !q.Start.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Start.Unix())
	}
	if !q.End.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.End.Unix())
	}
	query := `
		SELECT pair, tf, ts, open, high, low, close, volume, trade_count
		FROM candles
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ts DESC`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var (
			b      model.Bar
			tf     string
			tsUnix int64
		)
		if err := rows.Scan(&b.Pair, &tf, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TradeCount); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		b.Interval = model.Interval(tf)
		b.Start = time.Unix(tsUnix, 0).UTC()
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// Pairs returns every distinct pair with at least one stored bar.
func (s *Store) Pairs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT pair FROM candles ORDER BY pair`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query pairs: %w", err)
	}
	defer rows.Close()

	var pairs []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// SeriesStats summarises one stored (pair, tf) series.
type SeriesStats struct {
	Pair     string
	Interval model.Interval
	Bars     int64
	First    time.Time
	Last     time.Time
}

// Stats lists row counts and time range per series.
func (s *Store) Stats(ctx context.Context) ([]SeriesStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, tf, COUNT(*), MIN(ts), MAX(ts)
		FROM candles
		GROUP BY pair, tf
		ORDER BY pair, tf`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query stats: %w", err)
	}
	defer rows.Close()

	var out []SeriesStats
	for rows.Next() {
		var (
			st          SeriesStats
			tf          string
			first, last int64
		)
		if err := rows.Scan(&st.Pair, &tf, &st.Bars, &first, &last); err != nil {
			return nil, err
		}
		st.Interval = model.Interval(tf)
		st.First = time.Unix(first, 0).UTC()
		st.Last = time.Unix(last, 0).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}
