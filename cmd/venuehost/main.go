package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/config"
	"github.com/Matlemad/Pandemic-sub000/internal/host"
	"github.com/Matlemad/Pandemic-sub000/internal/logging"
)

func main() {
	cfgPath := os.Getenv("VENUEHOST_CONFIG")
	cfg := config.Load(cfgPath)

	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	logger := logging.Get()
	logger.Info("starting venue host")

	h := host.New(cfg, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := h.Start(); err != nil {
			logger.Fatal("venue host stopped unexpectedly", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("received shutdown signal")

	h.Stop()
	logger.Info("venue host shut down cleanly")
}
