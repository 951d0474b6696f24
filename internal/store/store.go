// Package store persists candlesticks through database/sql. Production
// runs on PostgreSQL via the pgx stdlib driver; tests run on in-memory
// SQLite, which shares the upsert dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"ohlcv-pipeline/internal/model"
)

// Store wraps one SQL database holding the candlesticks table.
type Store struct {
	db     *sql.DB
	driver string
	table  string
}

// New opens a connection with the given driver ("pgx" or "sqlite3")
// and verifies it with a ping.
func New(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver, table: "candlesticks"}
	if driver == "pgx" {
		s.table = "trading.candlesticks"
	}
	log.Printf("[store] connected (%s)", driver)
	return s, nil
}

// NewWithDB wraps an already-open database. Used by tests.
func NewWithDB(db *sql.DB, driver string) *Store {
	s := &Store{db: db, driver: driver, table: "candlesticks"}
	if driver == "pgx" {
		s.table = "trading.candlesticks"
	}
	return s
}

// EnsureSchema creates the schema, table, and indexes if missing.
// Idempotent; every service calls it on startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var stmts []string
	if s.driver == "pgx" {
		stmts = []string{
			`CREATE SCHEMA IF NOT EXISTS trading`,
			`CREATE TABLE IF NOT EXISTS trading.candlesticks (
				id            BIGSERIAL PRIMARY KEY,
				symbol        TEXT        NOT NULL,
				timeframe     TEXT        NOT NULL,
				timestamp_ms  BIGINT      NOT NULL,
				open          NUMERIC     NOT NULL,
				high          NUMERIC     NOT NULL,
				low           NUMERIC     NOT NULL,
				close         NUMERIC     NOT NULL,
				volume        NUMERIC     NOT NULL,
				volume_currency NUMERIC,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (symbol, timeframe, timestamp_ms)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_candlesticks_lookup
				ON trading.candlesticks (symbol, timeframe, timestamp_ms)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS candlesticks (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol        TEXT    NOT NULL,
				timeframe     TEXT    NOT NULL,
				timestamp_ms  INTEGER NOT NULL,
				open          REAL    NOT NULL,
				high          REAL    NOT NULL,
				low           REAL    NOT NULL,
				close         REAL    NOT NULL,
				volume        REAL    NOT NULL,
				volume_currency REAL,
				created_at    TEXT    NOT NULL DEFAULT (datetime('now')),
				UNIQUE (symbol, timeframe, timestamp_ms)
			)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertBatch writes a batch in one transaction, replacing existing
// rows at the same (symbol, timeframe, timestamp_ms) and refreshing
// their created_at. Either the whole batch lands or none of it does.
func (s *Store) UpsertBatch(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO `+s.table+`
			(symbol, timeframe, timestamp_ms, open, high, low, close, volume, volume_currency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, timestamp_ms) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			volume_currency = excluded.volume_currency,
			created_at = CURRENT_TIMESTAMP`))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range candles {
		c := &candles[i]
		if _, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, c.TimestampMS,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.VolumeCurrency); err != nil {
			return fmt.Errorf("upsert %s: %w", c.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// InsertIgnoreBatch writes a batch skipping rows that already exist,
// and reports how many were actually inserted. Used by gap fill and
// backfill, which must never clobber streamed data.
func (s *Store) InsertIgnoreBatch(ctx context.Context, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO `+s.table+`
			(symbol, timeframe, timestamp_ms, open, high, low, close, volume, volume_currency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, timestamp_ms) DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range candles {
		c := &candles[i]
		res, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, c.TimestampMS,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.VolumeCurrency)
		if err != nil {
			return inserted, fmt.Errorf("insert %s: %w", c.Key(), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("commit insert tx: %w", err)
	}
	return inserted, nil
}

// RemoveDuplicates deletes rows sharing a (symbol, timeframe,
// timestamp_ms) key inside [startMS, endMS], keeping the row with the
// smallest id. Returns the number of rows removed. Only reachable on
// tables predating the unique constraint.
func (s *Store) RemoveDuplicates(ctx context.Context, symbol, timeframe string, startMS, endMS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM `+s.table+`
		WHERE symbol = ? AND timeframe = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?
		  AND id NOT IN (
			SELECT MIN(id) FROM `+s.table+`
			WHERE symbol = ? AND timeframe = ?
			  AND timestamp_ms >= ? AND timestamp_ms <= ?
			GROUP BY symbol, timeframe, timestamp_ms
		  )`),
		symbol, timeframe, startMS, endMS,
		symbol, timeframe, startMS, endMS)
	if err != nil {
		return 0, fmt.Errorf("remove duplicates %s %s: %w", symbol, timeframe, err)
	}
	return res.RowsAffected()
}

// PurgeInvalid deletes rows inside [startMS, endMS] that violate the
// candle invariants: non-positive prices or volume, high below low or
// outside the open/close envelope, or a timestamp off the timeframe
// grid. Returns the number of rows removed.
func (s *Store) PurgeInvalid(ctx context.Context, symbol, timeframe string, intervalMS, startMS, endMS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM `+s.table+`
		WHERE symbol = ? AND timeframe = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?
		  AND (
			open <= 0 OR high <= 0 OR low <= 0 OR close <= 0
			OR volume <= 0
			OR high < low
			OR high < open OR high < close
			OR low > open OR low > close
			OR timestamp_ms % ? != 0
		  )`),
		symbol, timeframe, startMS, endMS, intervalMS)
	if err != nil {
		return 0, fmt.Errorf("purge invalid %s %s: %w", symbol, timeframe, err)
	}
	return res.RowsAffected()
}

// Timestamps returns the stored timestamps for symbol/timeframe inside
// [startMS, endMS], ascending. Feeds gap detection.
func (s *Store) Timestamps(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT timestamp_ms FROM `+s.table+`
		WHERE symbol = ? AND timeframe = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC`),
		symbol, timeframe, startMS, endMS)
	if err != nil {
		return nil, fmt.Errorf("query timestamps %s %s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ActiveSymbols returns distinct symbols with at least one candle at
// or after cutoffMS.
func (s *Store) ActiveSymbols(ctx context.Context, cutoffMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT symbol FROM `+s.table+`
		WHERE timestamp_ms >= ?
		ORDER BY symbol`), cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("query active symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// Range returns stored candles for symbol/timeframe inside
// [startMS, endMS], ascending.
func (s *Store) Range(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT symbol, timeframe, timestamp_ms, open, high, low, close, volume,
		       COALESCE(volume_currency, 0)
		FROM `+s.table+`
		WHERE symbol = ? AND timeframe = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC`),
		symbol, timeframe, startMS, endMS)
	if err != nil {
		return nil, fmt.Errorf("query range %s %s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.TimestampMS,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.VolumeCurrency); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Confirm = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns the number of rows for symbol/timeframe inside
// [startMS, endMS].
func (s *Store) Count(ctx context.Context, symbol, timeframe string, startMS, endMS int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM `+s.table+`
		WHERE symbol = ? AND timeframe = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?`),
		symbol, timeframe, startMS, endMS).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s %s: %w", symbol, timeframe, err)
	}
	return n, nil
}

// Ping probes database liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }
