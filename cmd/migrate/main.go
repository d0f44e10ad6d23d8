package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/whisper/daymatch/internal/config"
	"github.com/whisper/daymatch/internal/logger"
	"github.com/whisper/daymatch/internal/store"
)

func main() {
	down := flag.Bool("down", false, "revert every migration instead of applying")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(logger.Options{
		Production: cfg.App.Production(),
		Level:      cfg.App.LogLevel,
		FilePath:   cfg.App.LogFilePath,
	})
	defer log.Sync()

	if err := store.Migrate(cfg.Database.URL, *down); err != nil {
		log.Fatal("migration failed", zap.Bool("down", *down), zap.Error(err))
	}
	log.Info("migrations complete", zap.Bool("down", *down))
}
