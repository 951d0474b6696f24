package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ohlcv-pipeline/config"
	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/collector"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/model"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[collector] starting...")

	symbolsFlag := flag.String("symbols", "", "comma-separated symbols to start with (overrides DEFAULT_SYMBOLS)")
	timeframesFlag := flag.String("timeframes", "", "comma-separated timeframes (overrides DEFAULT_TIMEFRAMES)")
	flag.Parse()

	cfg := config.Load()

	symbols := cfg.Symbols()
	if *symbolsFlag != "" {
		symbols = splitCSV(*symbolsFlag)
	}
	timeframesCSV := cfg.DefaultTimeframes
	if *timeframesFlag != "" {
		timeframesCSV = *timeframesFlag
	}
	timeframes, err := model.ParseTimeframes(timeframesCSV)
	if err != nil {
		log.Fatalf("[collector] bad timeframes: %v", err)
	}

	b, err := broker.NewRedis(broker.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[collector] broker init failed: %v", err)
	}
	defer b.Close()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(true)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	health.StartLivenessChecker(ctx, b, nil, 10*time.Second)

	sup := collector.NewSupervisor(b, prom, collector.SupervisorConfig{
		Worker: collector.SupervisedWorkerConfig{
			WorkerConfig: collector.WorkerConfig{
				WSURL:        cfg.WSURL,
				InitialDelay: cfg.InitialReconnectDelay,
				MaxDelay:     cfg.MaxReconnectDelay,
				MaxAttempts:  cfg.MaxReconnectAttempts,
			},
			DefaultTimeframes: timeframes,
		},
	})
	sup.SetHealth(health)

	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[collector] supervisor stopped: %v", err)
			cancel()
		}
	}()
	go sup.RunStatus(ctx)

	if cfg.AutoStart && len(symbols) > 0 {
		log.Printf("[collector] auto-starting %d symbols: %v", len(symbols), symbols)
		sup.Subscribe(ctx, model.ControlCommand{
			Action:     model.ActionSubscribe,
			Symbols:    symbols,
			Timeframes: timeframes,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}

	log.Printf("[collector] ready — ws=%s timeframes=%v", cfg.WSURL, timeframes)

	<-sigCh
	log.Println("[collector] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	sup.StopAll(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[collector] shutdown complete.")
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
