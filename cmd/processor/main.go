package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ohlcv-pipeline/config"
	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/metrics"
	"ohlcv-pipeline/internal/notification"
	"ohlcv-pipeline/internal/persister"
	"ohlcv-pipeline/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[processor] starting...")

	cfg := config.Load()

	b, err := broker.NewRedis(broker.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[processor] broker init failed: %v", err)
	}
	defer b.Close()

	st, err := store.New("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[processor] store init failed: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("[processor] schema init failed: %v", err)
	}

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(false)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	health.StartLivenessChecker(ctx, b, st.DB(), 10*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	p := persister.New(b, st, prom, persister.Config{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxRetries:   cfg.MaxRetries,
	})
	p.SetNotifier(notification.NewDispatcher(b))

	go func() {
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[processor] batch loop stopped: %v", err)
			cancel()
		}
	}()
	go p.RunDLQ(ctx)
	go p.RunMetrics(ctx)

	log.Printf("[processor] ready — batch_size=%d batch_timeout=%s max_retries=%d",
		cfg.BatchSize, cfg.BatchTimeout, cfg.MaxRetries)

	<-sigCh
	log.Println("[processor] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[processor] shutdown complete.")
}
