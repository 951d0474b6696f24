package reconciler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
	"ohlcv-pipeline/internal/store"
)

// Fetcher is the REST leg the reconciler pulls missing candles from.
type Fetcher interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMS int64, limit int) ([]model.Candle, error)
}

// Config tunes a reconciliation run.
type Config struct {
	WindowHours int      // rolling window size; default 25
	Symbols     []string // empty = every symbol active inside the window
	Timeframes  []string // empty = the default reconcile set
	FetchLimit  int      // candles per REST request; default 1000
	DryRun      bool     // detect and report only, no writes
}

func (c *Config) applyDefaults() {
	if c.WindowHours <= 0 {
		c.WindowHours = 25
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = model.DefaultReconcileTimeframes
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 1000
	}
}

// Stats accumulates what one run did, for the maintenance report.
type Stats struct {
	mu sync.Mutex

	StartedAt         time.Time
	FinishedAt        time.Time
	PairsChecked      int
	DuplicatesRemoved int64
	InvalidPurged     int64
	GapsDetected      int64
	CandlesFilled     int64
	Errors            []string
}

func (s *Stats) addError(format string, args ...any) {
	s.mu.Lock()
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

// Report renders the run summary for logs and the CLI.
func (s *Stats) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reconcile run %s -> %s\n",
		s.StartedAt.Format(time.RFC3339), s.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "  pairs checked:      %d\n", s.PairsChecked)
	fmt.Fprintf(&b, "  duplicates removed: %d\n", s.DuplicatesRemoved)
	fmt.Fprintf(&b, "  invalid purged:     %d\n", s.InvalidPurged)
	fmt.Fprintf(&b, "  gaps detected:      %d\n", s.GapsDetected)
	fmt.Fprintf(&b, "  candles filled:     %d\n", s.CandlesFilled)
	fmt.Fprintf(&b, "  errors:             %d\n", len(s.Errors))
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "    - %s\n", e)
	}
	return b.String()
}

// Reconciler runs integrity passes over the candlestick table.
type Reconciler struct {
	store   *store.Store
	fetcher Fetcher
	metrics *metrics.Metrics

	running atomic.Bool

	// now is injectable so window math is testable.
	now func() time.Time
}

// New wires a reconciler.
func New(st *store.Store, f Fetcher, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:   st,
		fetcher: f,
		metrics: m,
		now:     time.Now,
	}
}

// ErrAlreadyRunning guards against overlapping runs; a second run on
// the same table would fight the first over the same rows.
var ErrAlreadyRunning = fmt.Errorf("reconciliation already running")

// RunWindowed reconciles the rolling recent window for every
// symbol/timeframe pair: duplicates first, then invalid rows, then
// gap detection and REST refill.
func (r *Reconciler) RunWindowed(ctx context.Context, cfg Config) (*Stats, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)
	cfg.applyDefaults()

	stats := &Stats{StartedAt: r.now().UTC()}
	endMS := r.now().UnixMilli()
	startMS := endMS - int64(cfg.WindowHours)*3600_000

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		var err error
		symbols, err = r.store.ActiveSymbols(ctx, startMS)
		if err != nil {
			return nil, fmt.Errorf("list active symbols: %w", err)
		}
	}
	log.Printf("[reconciler] windowed run: %d symbols, %d timeframes, window %dh, dry_run=%v",
		len(symbols), len(cfg.Timeframes), cfg.WindowHours, cfg.DryRun)

	for _, symbol := range symbols {
		for _, tf := range cfg.Timeframes {
			if ctx.Err() != nil {
				stats.FinishedAt = r.now().UTC()
				return stats, ctx.Err()
			}
			stats.PairsChecked++
			r.reconcilePair(ctx, symbol, tf, startMS, endMS, cfg, stats)
		}
	}

	stats.FinishedAt = r.now().UTC()
	log.Printf("[reconciler] windowed run done:\n%s", stats.Report())
	return stats, nil
}

func (r *Reconciler) reconcilePair(ctx context.Context, symbol, tf string, startMS, endMS int64, cfg Config, stats *Stats) {
	intervalMS := model.IntervalMS(tf)
	if intervalMS == 0 {
		stats.addError("%s %s: unknown timeframe", symbol, tf)
		return
	}

	if !cfg.DryRun {
		removed, err := r.store.RemoveDuplicates(ctx, symbol, tf, startMS, endMS)
		if err != nil {
			stats.addError("%s %s dedup: %v", symbol, tf, err)
			return
		}
		if removed > 0 {
			log.Printf("[reconciler] %s %s: removed %d duplicate rows", symbol, tf, removed)
		}
		stats.DuplicatesRemoved += removed
		r.metrics.DuplicatesRemoved.Add(float64(removed))

		purged, err := r.store.PurgeInvalid(ctx, symbol, tf, intervalMS, startMS, endMS)
		if err != nil {
			stats.addError("%s %s purge: %v", symbol, tf, err)
			return
		}
		if purged > 0 {
			log.Printf("[reconciler] %s %s: purged %d invalid rows", symbol, tf, purged)
		}
		stats.InvalidPurged += purged
		r.metrics.InvalidPurged.Add(float64(purged))
	}

	timestamps, err := r.store.Timestamps(ctx, symbol, tf, startMS, endMS)
	if err != nil {
		stats.addError("%s %s timestamps: %v", symbol, tf, err)
		return
	}

	// The bucket containing endMS is still open on the venue side, so
	// gap detection stops one interval short of it.
	gaps := DetectGaps(timestamps, intervalMS, startMS, endMS-intervalMS)
	stats.GapsDetected += int64(len(gaps))
	r.metrics.GapsDetected.Add(float64(len(gaps)))

	for _, gap := range gaps {
		log.Printf("[reconciler] %s %s: gap of %d buckets [%d, %d]",
			symbol, tf, gap.Count(intervalMS), gap.StartMS, gap.EndMS)
		if cfg.DryRun {
			continue
		}
		filled, err := r.fillGap(ctx, symbol, tf, intervalMS, gap, cfg.FetchLimit)
		if err != nil {
			stats.addError("%s %s fill [%d,%d]: %v", symbol, tf, gap.StartMS, gap.EndMS, err)
			continue
		}
		stats.CandlesFilled += int64(filled)
		r.metrics.GapCandlesFilled.Add(float64(filled))
	}
}

// fillGap refetches one gap over REST and inserts whatever is missing.
// The fetch starts one bucket early so the venue's exclusive since
// semantics still cover the first missing bucket. Existing rows win:
// the insert ignores conflicts.
func (r *Reconciler) fillGap(ctx context.Context, symbol, tf string, intervalMS int64, gap Gap, limit int) (int, error) {
	r.metrics.RESTRequests.Inc()
	candles, err := r.fetcher.FetchOHLCV(ctx, symbol, tf, gap.StartMS-intervalMS, limit)
	if err != nil {
		return 0, err
	}

	keep := candles[:0]
	for _, c := range candles {
		if c.TimestampMS < gap.StartMS || c.TimestampMS > gap.EndMS {
			continue
		}
		if err := c.Validate(); err != nil {
			log.Printf("[reconciler] %s %s: skipping invalid fetched candle %s: %v", symbol, tf, c.Key(), err)
			continue
		}
		keep = append(keep, c)
	}
	if len(keep) == 0 {
		return 0, nil
	}
	return r.store.InsertIgnoreBatch(ctx, keep)
}
