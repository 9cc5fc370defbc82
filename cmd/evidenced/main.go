// Package main runs the evidence registration service.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/evidence_layer/internal/app/runtime"
	"github.com/R3E-Network/evidence_layer/internal/config"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("EVIDENCE_CONFIG"), "Path to a YAML config file (optional)")
		envFile    = flag.String("env", ".env", "Path to a .env file loaded before the environment is read")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).Named("evidenced")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := runtime.NewApplication(ctx, cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("failed to build application")
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		lg.WithError(runErr).Error("server stopped")
	}

	lg.Info("shutting down")
	// The signal context is already done; shutdown gets its own deadline.
	if err := application.Shutdown(context.Background()); err != nil {
		lg.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
