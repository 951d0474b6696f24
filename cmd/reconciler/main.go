package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ohlcv-pipeline/config"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
	"ohlcv-pipeline/internal/okx"
	"ohlcv-pipeline/internal/reconciler"
	"ohlcv-pipeline/internal/store"
)

const usage = `usage:
  reconciler windowed [--hours N] [--symbols A,B] [--timeframes 5m,1h] [--dry-run]
  reconciler backfill SYMBOL[,SYMBOL...] [--days N] [--timeframes 5m,1h]`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[reconciler] interrupt, stopping...")
		cancel()
	}()

	st, err := store.New("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[reconciler] store init failed: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("[reconciler] schema init failed: %v", err)
	}

	rest := okx.NewClient(okx.ClientConfig{
		BaseURL:    cfg.RESTURL,
		APIKey:     cfg.OKXAPIKey,
		SecretKey:  cfg.OKXSecretKey,
		Passphrase: cfg.OKXPassphrase,
		Sandbox:    cfg.OKXSandbox,
	})
	rec := reconciler.New(st, rest, metrics.NewMetrics())

	var stats *reconciler.Stats
	switch os.Args[1] {
	case "windowed":
		stats, err = runWindowed(ctx, rec, cfg, os.Args[2:])
	case "backfill":
		stats, err = runBackfill(ctx, rec, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	if stats != nil {
		fmt.Print(stats.Report())
	}
	if err != nil {
		log.Printf("[reconciler] run failed: %v", err)
		os.Exit(1)
	}
	if stats != nil && len(stats.Errors) > 0 {
		os.Exit(1)
	}
}

func runWindowed(ctx context.Context, rec *reconciler.Reconciler, cfg *config.Config, args []string) (*reconciler.Stats, error) {
	fs := flag.NewFlagSet("windowed", flag.ExitOnError)
	hours := fs.Int("hours", cfg.ReconcileWindowHours, "window size in hours")
	symbols := fs.String("symbols", "", "comma-separated symbols (default: all active)")
	timeframes := fs.String("timeframes", "", "comma-separated timeframes")
	dryRun := fs.Bool("dry-run", false, "detect and report only, no writes")
	fs.Parse(args)

	tfs, err := parseTimeframes(*timeframes)
	if err != nil {
		return nil, err
	}
	return rec.RunWindowed(ctx, reconciler.Config{
		WindowHours: *hours,
		Symbols:     splitCSV(*symbols),
		Timeframes:  tfs,
		DryRun:      *dryRun,
	})
}

func runBackfill(ctx context.Context, rec *reconciler.Reconciler, args []string) (*reconciler.Stats, error) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	days := fs.Int("days", 30, "how many days of history to fetch")
	timeframes := fs.String("timeframes", "", "comma-separated timeframes")

	// Accept the symbol list before the flags: backfill BTC-USDT --days 7
	var symbolArg string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		symbolArg = args[0]
		args = args[1:]
	}
	fs.Parse(args)

	symbols := splitCSV(symbolArg)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("backfill needs a symbol argument")
	}
	tfs, err := parseTimeframes(*timeframes)
	if err != nil {
		return nil, err
	}
	return rec.Backfill(ctx, symbols, reconciler.BackfillConfig{
		Days:       *days,
		Timeframes: tfs,
	})
}

func parseTimeframes(csv string) ([]string, error) {
	if csv == "" {
		return nil, nil
	}
	return model.ParseTimeframes(csv)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
