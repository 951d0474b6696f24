package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ohlcv-pipeline/config"
	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/gateway"
	"ohlcv-pipeline/internal/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[gateway] starting...")

	cfg := config.Load()
	logger.Init("gateway", logger.ParseLevel(cfg.LogLevel))

	b, err := broker.NewRedis(broker.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[gateway] broker init failed: %v", err)
	}
	defer b.Close()

	srv := gateway.NewServer(cfg.GatewayAddr, b)
	srv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[gateway] shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)

	log.Println("[gateway] shutdown complete.")
}
