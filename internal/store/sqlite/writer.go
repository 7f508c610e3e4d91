// Package sqlite is the embedded durable candle store. Writes are
// upsert-merges keyed by (pair, tf, ts), so re-flushing a bar restates it
// instead of adding a row.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"dexohlc/internal/model"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/candles.db"
}

// Store is a BarStore on a single SQLite file.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ model.BarStore = (*Store)(nil)

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// New opens (or creates) the database with WAL mode and ensures the schema.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; readers share the same connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info().Str("path", cfg.DBPath).Msg("opened database")
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			pair        TEXT    NOT NULL,
			tf          TEXT    NOT NULL,
			ts          INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      REAL    NOT NULL DEFAULT 0,
			trade_count INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (pair, tf, ts)
		);

		CREATE INDEX IF NOT EXISTS idx_candles_pair ON candles (pair);
	`)
	return err
}

// UpsertBars writes bars in a single transaction. An existing row for the
// same (pair, tf, ts) is overwritten with the new values.
func (s *Store) UpsertBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (pair, tf, ts, open, high, low, close, volume, trade_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair, tf, ts) DO UPDATE SET
			open        = excluded.open,
			high        = excluded.high,
			low         = excluded.low,
			close       = excluded.close,
			volume      = excluded.volume,
			trade_count = excluded.trade_count,
			updated_at  = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, b := range bars {
		_, err := stmt.ExecContext(ctx,
			b.Pair, string(b.Interval), b.Start.Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, now,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %s %s %d: %w", b.Pair, b.Interval, b.Start.Unix(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug().Int("bars", len(bars)).Dur("took", time.Since(start)).Msg("committed")
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
