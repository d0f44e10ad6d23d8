package main

import (
	"context"
	"errors"
	"flag"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/block"
	"github.com/whisper/daymatch/internal/calendar"
	"github.com/whisper/daymatch/internal/config"
	"github.com/whisper/daymatch/internal/logger"
	"github.com/whisper/daymatch/internal/matchmaker"
	"github.com/whisper/daymatch/internal/messaging"
	"github.com/whisper/daymatch/internal/metrics"
	"github.com/whisper/daymatch/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single pairing and exit")
	date := flag.String("date", "", "match date (YYYY-MM-DD) for -once; defaults to today")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(logger.Options{
		Production: cfg.App.Production(),
		Level:      cfg.App.LogLevel,
		FilePath:   cfg.App.LogFilePath,
	})
	defer log.Sync()

	// --- PostgreSQL ---
	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	st := store.New(db)

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal("failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()
	defer rdb.Close()

	// --- NATS (optional: only run summaries are published) ---
	var pub matchmaker.Publisher
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "daymatch-matchmaker"
	if nc, err := messaging.NewNATSClient(natsConfig, log); err != nil {
		log.Warn("NATS unavailable, run summaries will not be published", zap.Error(err))
	} else {
		defer nc.Close()
		pub = nc
	}

	clk := clockwork.NewRealClock()
	cal, err := calendar.New(cfg.Calendar.TimeZone, clk)
	if err != nil {
		log.Fatal("invalid time zone", zap.String("time_zone", cfg.Calendar.TimeZone), zap.Error(err))
	}

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(os.Getpid())))
	mm := matchmaker.New(st, block.NewStore(rdb), pub, rng, matchmaker.Config{TopN: cfg.Matchmaker.TopN}, log)

	if *once {
		day := *date
		if day == "" {
			day = cal.Today()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := mm.Run(ctx, day); err != nil {
			log.Error("manual run failed", zap.String("match_date", day), zap.Error(err))
			os.Exit(1)
		}
		return
	}
	if *date != "" {
		log.Fatal("-date requires -once")
	}

	hour, minute, err := cfg.Matchmaker.RunAtClock()
	if err != nil {
		log.Fatal("invalid run time", zap.Error(err))
	}

	svc := matchmaker.NewService(mm, cal, clk, hour, minute, log)
	svc.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	log.Info("matchmaker running",
		zap.String("run_at", cfg.Matchmaker.RunAt),
		zap.String("time_zone", cfg.Calendar.TimeZone),
		zap.String("metrics_addr", cfg.Metrics.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	svc.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
