// Package clickhouse is the analytical candle store. Bars live in a
// ReplacingMergeTree keyed by (pair, tf, ts); every write carries a version
// and reads use FINAL, so a re-flushed bar replaces its earlier row.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"dexohlc/internal/model"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// Store is a BarStore on ClickHouse.
type Store struct {
	conn driver.Conn
	log  zerolog.Logger
}

var _ model.BarStore = (*Store)(nil)

// New connects, pings and ensures the candles table exists.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.Timeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	log.Info().Str("addr", cfg.Addr).Str("database", cfg.Database).Msg("connected")
	return &Store{conn: conn, log: log}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS candles (
		pair        String,
		tf          LowCardinality(String),
		ts          DateTime('UTC'),
		open        Float64,
		high        Float64,
		low         Float64,
		close       Float64,
		volume      Float64,
		trade_count UInt64,
		version     UInt64
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY (pair, tf, ts)
`

// UpsertBars appends bars in one batch. A later version of the same
// (pair, tf, ts) supersedes earlier rows.
func (s *Store) UpsertBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO candles (pair, tf, ts, open, high, low, close, volume, trade_count, version)")
	if err != nil {
		return fmt.Errorf("clickhouse prepare batch: %w", err)
	}
	version := uint64(time.Now().UnixNano())
	for _, b := range bars {
		if err := batch.Append(
			b.Pair, string(b.Interval), b.Start.UTC(),
			b.Open, b.High, b.Low, b.Close, b.Volume, uint64(b.TradeCount), version,
		); err != nil {
			return fmt.Errorf("clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse send batch: %w", err)
	}
	return nil
}

// QueryBars returns bars for one series ascending by ts, keeping the most
// recent q.Limit when more match.
func (s *Store) QueryBars(ctx context.Context, q model.BarQuery) ([]model.Bar, error) {
	query, args := buildQuery(q)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query candles: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var (
			b     model.Bar
			tf    string
			count uint64
		)
		if err := rows.Scan(&b.Pair, &tf, &b.Start, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &count); err != nil {
			return nil, fmt.Errorf("clickhouse scan candles: %w", err)
		}
		b.Interval = model.Interval(tf)
		b.Start = b.Start.UTC()
		b.TradeCount = int64(count)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

func buildQuery(q model.BarQuery) (string, []interface{}) {
	where := []string{"pair = ?", "tf = ?"}
	args := []interface{}{q.Pair, string(q.Interval)}
	if !q.Start.IsZero() {
		where = append(where, "ts >= fromUnixTimestamp(?)")
		args = append(args, q.Start.Unix())
	}
	if !q.End.IsZero() {
		where = append(where, "ts <= fromUnixTimestamp(?)")
		args = append(args, q.End.Unix())
	}
	query := "SELECT pair, tf, ts, open, high, low, close, volume, trade_count FROM candles FINAL WHERE " +
		strings.Join(where, " AND ") + " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return query, args
}

// Pairs returns every distinct stored pair.
func (s *Store) Pairs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, "SELECT DISTINCT pair FROM candles ORDER BY pair")
	if err != nil {
		return nil, fmt.Errorf("clickhouse query pairs: %w", err)
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

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
