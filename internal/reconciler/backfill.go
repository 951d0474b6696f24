package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"ohlcv-pipeline/internal/model"
)

// BackfillConfig tunes a historical backfill run.
type BackfillConfig struct {
	Days        int      // how far back to start; default 30
	Timeframes  []string // empty = the default reconcile set
	FetchLimit  int      // candles per REST request; default 1000
	Concurrency int      // symbols fetched in parallel; default 2
}

func (c *BackfillConfig) applyDefaults() {
	if c.Days <= 0 {
		c.Days = 30
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = model.DefaultReconcileTimeframes
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 1000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
}

// Backfill pages each symbol's history forward from the start of the
// range until it reaches the present. Symbols run concurrently under
// a small semaphore so a long backfill cannot monopolize the venue's
// rate limit; timeframes within one symbol run serially.
func (r *Reconciler) Backfill(ctx context.Context, symbols []string, cfg BackfillConfig) (*Stats, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("backfill needs at least one symbol")
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)
	cfg.applyDefaults()

	stats := &Stats{StartedAt: r.now().UTC()}
	log.Printf("[reconciler] backfill: %d symbols, %d timeframes, %d days",
		len(symbols), len(cfg.Timeframes), cfg.Days)

	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			for _, tf := range cfg.Timeframes {
				if ctx.Err() != nil {
					return
				}
				r.backfillPair(ctx, symbol, tf, cfg, stats)
			}
		}(symbol)
	}
	wg.Wait()

	stats.FinishedAt = r.now().UTC()
	log.Printf("[reconciler] backfill done:\n%s", stats.Report())
	return stats, ctx.Err()
}

func (r *Reconciler) backfillPair(ctx context.Context, symbol, tf string, cfg BackfillConfig, stats *Stats) {
	intervalMS := model.IntervalMS(tf)
	if intervalMS == 0 {
		stats.addError("%s %s: unknown timeframe", symbol, tf)
		return
	}

	nowMS := r.now().UnixMilli()
	since := nowMS - int64(cfg.Days)*86_400_000
	total := 0

	for since < nowMS {
		if ctx.Err() != nil {
			return
		}
		r.metrics.RESTRequests.Inc()
		candles, err := r.fetcher.FetchOHLCV(ctx, symbol, tf, since, cfg.FetchLimit)
		if err != nil {
			stats.addError("%s %s fetch since=%d: %v", symbol, tf, since, err)
			return
		}
		if len(candles) == 0 {
			break
		}

		keep := candles[:0]
		for _, c := range candles {
			if err := c.Validate(); err != nil {
				continue
			}
			keep = append(keep, c)
		}
		inserted, err := r.store.InsertIgnoreBatch(ctx, keep)
		if err != nil {
			stats.addError("%s %s insert: %v", symbol, tf, err)
			return
		}
		total += inserted

		stats.mu.Lock()
		stats.CandlesFilled += int64(inserted)
		stats.mu.Unlock()
		r.metrics.GapCandlesFilled.Add(float64(inserted))

		next := candles[len(candles)-1].TimestampMS + intervalMS
		if next <= since {
			break // no forward progress; venue returned stale page
		}
		since = next
	}

	stats.mu.Lock()
	stats.PairsChecked++
	stats.mu.Unlock()
	log.Printf("[reconciler] %s %s: backfilled %d candles", symbol, tf, total)
}
