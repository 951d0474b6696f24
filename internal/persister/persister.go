// Package persister drains the candle queue into the database in
// batches, with a dead letter queue for batches the store rejects.
package persister

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
	"ohlcv-pipeline/internal/store"
)

// Config tunes the batch loop and retry policy.
type Config struct {
	BatchSize         int           // max candles per write batch
	BatchTimeout      time.Duration // blocking-pop wait that bounds batch latency
	MaxRetries        int           // DLQ retries before a candle is abandoned
	RetryBackoff      time.Duration // backoff unit; the delay is retry_count × this
	MetricsInterval   time.Duration // snapshot cadence
	MetricsTTL        time.Duration // snapshot expiry
	DegradedThreshold int64         // queue depth that flips the snapshot to degraded

	BreakerFailures int
	BreakerReset    time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.MetricsTTL <= 0 {
		c.MetricsTTL = 60 * time.Second
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 10000
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
}

// Notifier receives the candles of each committed batch. The webhook
// dispatcher implements it.
type Notifier interface {
	CandlesPersisted(ctx context.Context, candles []model.Candle)
}

// Persister owns the queue→database leg of the pipeline.
type Persister struct {
	cfg      Config
	broker   broker.Broker
	store    *store.Store
	breaker  *Breaker
	metrics  *metrics.Metrics
	notifier Notifier

	// sleep is injectable so DLQ backoff tests run without real time.
	sleep func(ctx context.Context, d time.Duration) error
}

// SetNotifier attaches a post-commit notifier. Must be called before
// Run.
func (p *Persister) SetNotifier(n Notifier) { p.notifier = n }

// New wires a persister. The breaker trips after repeated store
// failures so a dead database sheds load to the DLQ instead of
// stalling the batch loop on timeouts.
func New(b broker.Broker, st *store.Store, m *metrics.Metrics, cfg Config) *Persister {
	cfg.applyDefaults()
	p := &Persister{
		cfg:     cfg,
		broker:  b,
		store:   st,
		breaker: NewBreaker(cfg.BreakerFailures, cfg.BreakerReset),
		metrics: m,
		sleep:   sleepCtx,
	}
	p.breaker.OnStateChange = func(from, to BreakerState) {
		log.Printf("[persister] store breaker %s -> %s", from, to)
		m.BreakerState.Set(float64(to))
		if to == BreakerOpen {
			m.BreakerTrips.Inc()
		}
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run drains the candle queue until ctx is cancelled. Each iteration
// blocks for one candle, greedily fills the rest of the batch from
// whatever is already queued, and commits the batch in a single
// transaction.
func (p *Persister) Run(ctx context.Context) error {
	log.Printf("[persister] batch loop started (batch_size=%d timeout=%s)",
		p.cfg.BatchSize, p.cfg.BatchTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := p.collectBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[persister] pop failed: %v", err)
			p.sleep(ctx, time.Second)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		p.flush(ctx, batch)
	}
}

// collectBatch blocks for the first envelope, then drains up to
// BatchSize-1 more without waiting.
func (p *Persister) collectBatch(ctx context.Context) ([]model.Envelope, error) {
	payload, err := p.broker.PopBlocking(ctx, broker.QueueCandles, p.cfg.BatchTimeout)
	if err != nil || payload == nil {
		return nil, err
	}

	batch := make([]model.Envelope, 0, p.cfg.BatchSize)
	if env, ok := p.decode(payload); ok {
		batch = append(batch, env)
	}
	for len(batch) < p.cfg.BatchSize {
		payload, err := p.broker.Pop(ctx, broker.QueueCandles)
		if err != nil {
			return batch, err
		}
		if payload == nil {
			break
		}
		if env, ok := p.decode(payload); ok {
			batch = append(batch, env)
		}
	}
	return batch, nil
}

// decode drops undecodable payloads so one poison message cannot wedge
// the queue.
func (p *Persister) decode(payload []byte) (model.Envelope, bool) {
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("[persister] dropping undecodable payload: %v", err)
		return model.Envelope{}, false
	}
	return env, true
}

// flush writes the batch; on failure every envelope goes to the DLQ.
func (p *Persister) flush(ctx context.Context, batch []model.Envelope) {
	candles := make([]model.Candle, len(batch))
	for i := range batch {
		candles[i] = batch[i].Candle
	}

	start := time.Now()
	err := p.breaker.Execute(func() error {
		return p.store.UpsertBatch(ctx, candles)
	})
	if err != nil {
		log.Printf("[persister] batch of %d failed, dead-lettering: %v", len(batch), err)
		for i := range batch {
			p.sendToDLQ(ctx, batch[i], err)
		}
		return
	}

	p.metrics.BatchesCommitted.Inc()
	p.metrics.BatchSize.Observe(float64(len(batch)))
	p.metrics.BatchCommitDur.Observe(time.Since(start).Seconds())
	p.metrics.CandlesPersisted.Add(float64(len(batch)))

	if p.notifier != nil {
		p.notifier.CandlesPersisted(ctx, candles)
	}
}

func (p *Persister) sendToDLQ(ctx context.Context, env model.Envelope, cause error) {
	env.RetryCount++
	env.Error = cause.Error()
	env.FailedAt = time.Now().UTC().Format(time.RFC3339)
	if err := p.broker.Push(ctx, broker.QueueDLQ, env.JSON()); err != nil {
		// Both store and broker are down; the candle is lost here but
		// the reconciler refetches it on the next window.
		log.Printf("[persister] DLQ push failed for %s: %v", env.Key(), err)
	}
}

// RunDLQ retries dead-lettered candles until ctx is cancelled. The
// delay grows linearly with the retry count; candles past MaxRetries
// are logged and dropped, leaving recovery to the reconciler.
func (p *Persister) RunDLQ(ctx context.Context) error {
	log.Printf("[persister] DLQ loop started (max_retries=%d backoff=%s)",
		p.cfg.MaxRetries, p.cfg.RetryBackoff)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, err := p.broker.PopBlocking(ctx, broker.QueueDLQ, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[persister] DLQ pop failed: %v", err)
			p.sleep(ctx, time.Second)
			continue
		}
		if payload == nil {
			continue
		}
		if err := p.retryDeadLetter(ctx, payload); err != nil {
			return err
		}
	}
}

// retryDeadLetter handles one DLQ entry: requeue after a linear
// backoff, or abandon once the retry budget is spent. A non-nil error
// means shutdown interrupted the wait.
func (p *Persister) retryDeadLetter(ctx context.Context, payload []byte) error {
	env, ok := p.decode(payload)
	if !ok {
		return nil
	}
	if env.RetryCount >= p.cfg.MaxRetries {
		log.Printf("[persister] abandoning %s after %d retries (last error: %s)",
			env.Key(), env.RetryCount, env.Error)
		p.metrics.DLQAbandoned.Inc()
		return nil
	}

	if err := p.sleep(ctx, time.Duration(env.RetryCount)*p.cfg.RetryBackoff); err != nil {
		// Shutdown mid-wait: put the candle back so it survives.
		p.broker.Push(context.Background(), broker.QueueDLQ, env.JSON())
		return err
	}
	if err := p.broker.Push(ctx, broker.QueueCandles, env.JSON()); err != nil {
		log.Printf("[persister] DLQ requeue failed for %s: %v", env.Key(), err)
		return nil
	}
	p.metrics.DLQRetries.Inc()
	return nil
}

// RunMetrics publishes queue-depth snapshots until ctx is cancelled.
func (p *Persister) RunMetrics(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.snapshot(ctx)
		}
	}
}

func (p *Persister) snapshot(ctx context.Context) {
	qlen, err := p.broker.QueueLen(ctx, broker.QueueCandles)
	if err != nil {
		log.Printf("[persister] queue length probe failed: %v", err)
		return
	}
	dlqLen, err := p.broker.QueueLen(ctx, broker.QueueDLQ)
	if err != nil {
		log.Printf("[persister] DLQ length probe failed: %v", err)
		return
	}

	p.metrics.QueueDepth.Set(float64(qlen))
	p.metrics.DLQDepth.Set(float64(dlqLen))

	status := "healthy"
	if qlen > p.cfg.DegradedThreshold {
		status = "degraded"
		log.Printf("[persister] queue depth %d exceeds threshold %d", qlen, p.cfg.DegradedThreshold)
	}

	snap := model.ProcessorMetrics{
		Service:     "processor",
		QueueLength: qlen,
		DLQLength:   dlqLen,
		Status:      status,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.broker.SetKV(ctx, broker.KeyProcessorMetrics, snap.JSON(), p.cfg.MetricsTTL); err != nil {
		log.Printf("[persister] metrics snapshot write failed: %v", err)
	}
}
