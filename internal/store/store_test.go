package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"ohlcv-pipeline/internal/model"
)

// testStore opens an in-memory database with the production schema.
// A single connection keeps :memory: stable across queries.
func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := NewWithDB(db, "sqlite3")
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func candle(symbol, tf string, ts int64, close float64) model.Candle {
	return model.Candle{
		Symbol:      symbol,
		Timeframe:   tf,
		TimestampMS: ts,
		Open:        close - 5,
		High:        close + 5,
		Low:         close - 10,
		Close:       close,
		Volume:      1.5,
		Confirm:     true,
	}
}

func TestUpsertBatch_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	first := candle("BTC-USDT", "5m", 1_700_000_100_000, 100)
	if err := s.UpsertBatch(ctx, []model.Candle{first}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same key, new values: the row is replaced, not duplicated.
	second := candle("BTC-USDT", "5m", 1_700_000_100_000, 120)
	if err := s.UpsertBatch(ctx, []model.Candle{second}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := s.Count(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v; want 1", n, err)
	}

	rows, err := s.Range(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil || len(rows) != 1 {
		t.Fatalf("range = %d rows, %v", len(rows), err)
	}
	if rows[0].Close != 120 {
		t.Errorf("close = %v, want 120 (upsert did not replace)", rows[0].Close)
	}
}

func TestUpsertBatch_RefreshesCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	c := candle("BTC-USDT", "5m", 1_700_000_100_000, 100)
	if err := s.UpsertBatch(ctx, []model.Candle{c}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Age the row, then upsert the same key again.
	if _, err := s.DB().Exec(`UPDATE candlesticks SET created_at = '2000-01-01 00:00:00'`); err != nil {
		t.Fatalf("age row: %v", err)
	}
	if err := s.UpsertBatch(ctx, []model.Candle{c}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var createdAt string
	if err := s.DB().QueryRow(`SELECT created_at FROM candlesticks`).Scan(&createdAt); err != nil {
		t.Fatalf("read created_at: %v", err)
	}
	if createdAt == "2000-01-01 00:00:00" {
		t.Error("created_at not refreshed on conflict")
	}
}

func TestUpsertBatch_MultipleCandles(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	batch := []model.Candle{
		candle("BTC-USDT", "5m", 1_700_000_100_000, 100),
		candle("BTC-USDT", "5m", 1_700_000_400_000, 101),
		candle("ETH-USDT", "5m", 1_700_000_100_000, 50),
		candle("BTC-USDT", "1h", 1_700_002_800_000, 102),
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := s.Count(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil || n != 2 {
		t.Fatalf("BTC 5m count = %d, %v; want 2", n, err)
	}
}

func TestInsertIgnoreBatch_NeverClobbers(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	streamed := candle("BTC-USDT", "5m", 1_700_000_100_000, 100)
	if err := s.UpsertBatch(ctx, []model.Candle{streamed}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	refetched := candle("BTC-USDT", "5m", 1_700_000_100_000, 999)
	fresh := candle("BTC-USDT", "5m", 1_700_000_400_000, 101)
	inserted, err := s.InsertIgnoreBatch(ctx, []model.Candle{refetched, fresh})
	if err != nil {
		t.Fatalf("insert ignore: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}

	rows, err := s.Range(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil || len(rows) != 2 {
		t.Fatalf("range = %d rows, %v", len(rows), err)
	}
	if rows[0].Close != 100 {
		t.Errorf("streamed row clobbered: close = %v", rows[0].Close)
	}
}

// legacyStore builds a table without the unique constraint, matching
// databases that predate it, so duplicate rows can exist at all.
func legacyStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE candlesticks (
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
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	return NewWithDB(db, "sqlite3")
}

func insertRaw(t *testing.T, s *Store, c model.Candle) {
	t.Helper()
	_, err := s.DB().Exec(`INSERT INTO candlesticks
		(symbol, timeframe, timestamp_ms, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Symbol, c.Timeframe, c.TimestampMS, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		t.Fatalf("raw insert: %v", err)
	}
}

func TestRemoveDuplicates_KeepsOldestRow(t *testing.T) {
	ctx := context.Background()
	s := legacyStore(t)

	// Three copies of one bucket, one clean neighbor.
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_700_000_100_000, 100)) // id 1, survivor
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_700_000_100_000, 200)) // id 2
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_700_000_100_000, 300)) // id 3
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_700_000_400_000, 101))

	removed, err := s.RemoveDuplicates(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	rows, err := s.Range(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil || len(rows) != 2 {
		t.Fatalf("range = %d rows, %v", len(rows), err)
	}
	// The first-written row wins the tie.
	if rows[0].Close != 100 {
		t.Errorf("survivor close = %v, want 100", rows[0].Close)
	}
}

func TestRemoveDuplicates_ScopedToWindow(t *testing.T) {
	ctx := context.Background()
	s := legacyStore(t)

	// Duplicates outside the window must survive.
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_000_000_200_000, 50))
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_000_000_200_000, 51))
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_700_000_100_000, 100))
	insertRaw(t, s, candle("BTC-USDT", "5m", 1_700_000_100_000, 101))

	removed, err := s.RemoveDuplicates(ctx, "BTC-USDT", "5m", 1_600_000_000_000, 1_800_000_000_000)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	n, _ := s.Count(ctx, "BTC-USDT", "5m", 0, 1_600_000_000_000)
	if n != 2 {
		t.Errorf("out-of-window rows = %d, want 2", n)
	}
}

func TestPurgeInvalid(t *testing.T) {
	ctx := context.Background()
	s := legacyStore(t)

	good := candle("BTC-USDT", "5m", 1_700_000_100_000, 100)
	insertRaw(t, s, good)

	zeroPrice := candle("BTC-USDT", "5m", 1_700_000_400_000, 100)
	zeroPrice.Open = 0
	insertRaw(t, s, zeroPrice)

	negVolume := candle("BTC-USDT", "5m", 1_700_000_700_000, 100)
	negVolume.Volume = -1
	insertRaw(t, s, negVolume)

	zeroVolume := candle("BTC-USDT", "5m", 1_700_001_300_000, 100)
	zeroVolume.Volume = 0
	insertRaw(t, s, zeroVolume)

	highBelowLow := candle("BTC-USDT", "5m", 1_700_001_000_000, 100)
	highBelowLow.High = 80
	highBelowLow.Low = 90
	highBelowLow.Open = 85
	highBelowLow.Close = 85
	insertRaw(t, s, highBelowLow)

	misaligned := candle("BTC-USDT", "5m", 1_700_000_100_007, 100)
	insertRaw(t, s, misaligned)

	purged, err := s.PurgeInvalid(ctx, "BTC-USDT", "5m", 300_000, 0, 2_000_000_000_000)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 5 {
		t.Errorf("purged = %d, want 5", purged)
	}

	rows, err := s.Range(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil || len(rows) != 1 {
		t.Fatalf("range = %d rows, %v", len(rows), err)
	}
	if rows[0].TimestampMS != good.TimestampMS {
		t.Errorf("wrong survivor: %d", rows[0].TimestampMS)
	}
}

func TestTimestampsAndActiveSymbols(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	batch := []model.Candle{
		candle("BTC-USDT", "5m", 1_700_000_400_000, 101),
		candle("BTC-USDT", "5m", 1_700_000_100_000, 100),
		candle("ETH-USDT", "5m", 1_000_000_200_000, 50),
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ts, err := s.Timestamps(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil {
		t.Fatalf("timestamps: %v", err)
	}
	if len(ts) != 2 || ts[0] != 1_700_000_100_000 || ts[1] != 1_700_000_400_000 {
		t.Errorf("timestamps = %v", ts)
	}

	symbols, err := s.ActiveSymbols(ctx, 1_600_000_000_000)
	if err != nil {
		t.Fatalf("active symbols: %v", err)
	}
	if len(symbols) != 1 || symbols[0] != "BTC-USDT" {
		t.Errorf("active symbols = %v", symbols)
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: "pgx"}
	got := pg.rebind("INSERT INTO t VALUES (?, ?, ?)")
	want := "INSERT INTO t VALUES ($1, $2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &Store{driver: "sqlite3"}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind altered query: %q", got)
	}
}
