// Command candled ingests DEX Swap logs from a node and serves OHLC candles.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexohlc/config"
	"dexohlc/internal/logger"
)

func main() {
	configDir := flag.String("config", ".", "directory searched for config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "candled: %v\n", err)
		os.Exit(2)
	}
	log := logger.Init(cfg.Service, cfg.LogLevel, cfg.LogPretty)
	log.Info().
		Str("node", cfg.NodeWSURL).
		Str("store", cfg.StoreBackend).
		Bool("redis", cfg.RedisAddr != "").
		Bool("kafka", len(cfg.KafkaBrokers) > 0).
		Bool("admin", cfg.AdminTOTPSecret != "").
		Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		log.Fatal().Err(err).Msg("pipeline start failed")
	}
	log.Info().Int("pools", len(cfg.Pools)).Str("http", cfg.HTTPAddr).Str("metrics", cfg.MetricsAddr).Msg("pipeline ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Stringer("signal", sig).Msg("shutdown signal received")
	case <-a.emergency.Done():
		_, reason := a.emergency.Triggered()
		log.Error().Str("reason", reason).Msg("emergency stop completed")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown finished with errors")
	}
	log.Info().Msg("shutdown complete")
}
