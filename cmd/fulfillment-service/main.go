package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.SetLevel(log.InfoLevel)
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug(".env file not found, relying on environment")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		_ = setupLogger("info")
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("falling back to info log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":         version.String(),
		"http_addr":       cfg.HTTPAddr,
		"grpc_addr":       cfg.GRPCAddr,
		"metrics_addr":    cfg.MetricsAddr,
		"storage":         cfg.StorageDriver,
		"processing_mode": cfg.ProcessingMode,
	}).Info("запускаем fulfillment service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("fulfillment service остановлен")
}
