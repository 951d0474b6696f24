package persister

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
	"ohlcv-pipeline/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.NewWithDB(db, "sqlite3")
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func testPersister(t *testing.T, b broker.Broker, st *store.Store, cfg Config) *Persister {
	t.Helper()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	return New(b, st, m, cfg)
}

func envelope(ts int64) model.Envelope {
	return model.NewEnvelope(model.Candle{
		Symbol:      "BTC-USDT",
		Timeframe:   "5m",
		TimestampMS: ts,
		Open:        95,
		High:        105,
		Low:         90,
		Close:       100,
		Volume:      1.5,
		Confirm:     true,
	}, model.SourceStream)
}

func TestCollectBatch_GreedyDrain(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	p := testPersister(t, b, testStore(t), Config{BatchSize: 10, BatchTimeout: 100 * time.Millisecond})

	for i := int64(0); i < 3; i++ {
		env := envelope(1_700_000_100_000 + i*300_000)
		b.Push(ctx, broker.QueueCandles, env.JSON())
	}

	batch, err := p.collectBatch(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch = %d envelopes, want 3", len(batch))
	}
	if n, _ := b.QueueLen(ctx, broker.QueueCandles); n != 0 {
		t.Errorf("queue not drained: %d left", n)
	}
}

func TestCollectBatch_RespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	p := testPersister(t, b, testStore(t), Config{BatchSize: 2, BatchTimeout: 100 * time.Millisecond})

	for i := int64(0); i < 5; i++ {
		env := envelope(1_700_000_100_000 + i*300_000)
		b.Push(ctx, broker.QueueCandles, env.JSON())
	}

	batch, err := p.collectBatch(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch = %d, want 2", len(batch))
	}
	if n, _ := b.QueueLen(ctx, broker.QueueCandles); n != 3 {
		t.Errorf("queue = %d, want 3 left", n)
	}
}

func TestCollectBatch_TimeoutReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	p := testPersister(t, b, testStore(t), Config{BatchTimeout: 20 * time.Millisecond})

	batch, err := p.collectBatch(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("batch = %d, want empty", len(batch))
	}
}

func TestFlush_PersistsBatch(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	st := testStore(t)
	p := testPersister(t, b, st, Config{})

	batch := []model.Envelope{
		envelope(1_700_000_100_000),
		envelope(1_700_000_400_000),
	}
	p.flush(ctx, batch)

	n, err := st.Count(ctx, "BTC-USDT", "5m", 0, 2_000_000_000_000)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v; want 2", n, err)
	}
	if dlq, _ := b.QueueLen(ctx, broker.QueueDLQ); dlq != 0 {
		t.Errorf("DLQ = %d, want 0", dlq)
	}
}

func TestFlush_FailureDeadLettersEveryEnvelope(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	st := testStore(t)
	p := testPersister(t, b, st, Config{})

	// Sabotage the store so the batch transaction fails.
	if _, err := st.DB().Exec(`DROP TABLE candlesticks`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	batch := []model.Envelope{
		envelope(1_700_000_100_000),
		envelope(1_700_000_400_000),
	}
	p.flush(ctx, batch)

	dlq, _ := b.QueueLen(ctx, broker.QueueDLQ)
	if dlq != 2 {
		t.Fatalf("DLQ = %d, want 2", dlq)
	}

	payload, _ := b.Pop(ctx, broker.QueueDLQ)
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode DLQ entry: %v", err)
	}
	if env.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", env.RetryCount)
	}
	if env.Error == "" || env.FailedAt == "" {
		t.Errorf("failure context missing: %+v", env)
	}
}

func TestRetryDeadLetter_RequeuesWithLinearBackoff(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	p := testPersister(t, b, testStore(t), Config{MaxRetries: 3, RetryBackoff: 10 * time.Second})

	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	env := envelope(1_700_000_100_000)
	env.RetryCount = 2
	env.Error = "db unavailable"

	if err := p.retryDeadLetter(ctx, env.JSON()); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if len(slept) != 1 || slept[0] != 20*time.Second {
		t.Errorf("backoff = %v, want [20s]", slept)
	}

	payload, _ := b.Pop(ctx, broker.QueueCandles)
	if payload == nil {
		t.Fatal("candle not requeued")
	}
	var requeued model.Envelope
	json.Unmarshal(payload, &requeued)
	if requeued.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2 (incremented only on failure)", requeued.RetryCount)
	}
}

func TestRetryDeadLetter_AbandonsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	p := testPersister(t, b, testStore(t), Config{MaxRetries: 3})

	env := envelope(1_700_000_100_000)
	env.RetryCount = 3

	if err := p.retryDeadLetter(ctx, env.JSON()); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if n, _ := b.QueueLen(ctx, broker.QueueCandles); n != 0 {
		t.Errorf("abandoned candle requeued")
	}
	if n, _ := b.QueueLen(ctx, broker.QueueDLQ); n != 0 {
		t.Errorf("abandoned candle still dead-lettered")
	}
}

func TestBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	st := testStore(t)
	p := testPersister(t, b, st, Config{BreakerFailures: 2, BreakerReset: time.Hour})

	if _, err := st.DB().Exec(`DROP TABLE candlesticks`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	p.flush(ctx, []model.Envelope{envelope(1_700_000_100_000)})
	p.flush(ctx, []model.Envelope{envelope(1_700_000_400_000)})

	if got := p.breaker.CurrentState(); got != BreakerOpen {
		t.Fatalf("breaker = %v, want open", got)
	}

	// Open breaker: the batch is rejected without touching the store
	// and still lands in the DLQ.
	p.flush(ctx, []model.Envelope{envelope(1_700_000_700_000)})
	if dlq, _ := b.QueueLen(ctx, broker.QueueDLQ); dlq != 3 {
		t.Errorf("DLQ = %d, want 3", dlq)
	}
}

func TestSnapshot_PublishesQueueDepths(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	p := testPersister(t, b, testStore(t), Config{})

	env := envelope(1_700_000_100_000)
	b.Push(ctx, broker.QueueCandles, env.JSON())
	p.snapshot(ctx)

	payload, err := b.GetKV(ctx, broker.KeyProcessorMetrics)
	if err != nil || payload == nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	var pm model.ProcessorMetrics
	if err := json.Unmarshal(payload, &pm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pm.QueueLength != 1 || pm.Status != "healthy" || pm.Service != "processor" {
		t.Errorf("snapshot = %+v", pm)
	}
}

func TestSnapshot_DegradedOverThreshold(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	p := testPersister(t, b, testStore(t), Config{DegradedThreshold: 2})

	for i := int64(0); i < 3; i++ {
		env := envelope(1_700_000_100_000 + i*300_000)
		b.Push(ctx, broker.QueueCandles, env.JSON())
	}
	p.snapshot(ctx)

	payload, _ := b.GetKV(ctx, broker.KeyProcessorMetrics)
	var pm model.ProcessorMetrics
	json.Unmarshal(payload, &pm)
	if pm.Status != "degraded" {
		t.Errorf("status = %q, want degraded", pm.Status)
	}
}
