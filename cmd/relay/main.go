package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/config"
	"github.com/whisper/daymatch/internal/logger"
	"github.com/whisper/daymatch/internal/messaging"
	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/relay"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Options{
		Production: cfg.App.Production(),
		Level:      cfg.App.LogLevel,
		FilePath:   cfg.App.LogFilePath,
	})
	defer log.Sync()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "daymatch-relay"
	nc, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("relay running", zap.String("nats_url", cfg.NATS.URL), zap.String("channel", relay.Channel))
	if err := relay.New(cfg.Database.URL, nc, relay.DefaultConfig(), log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("relay stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
