// Package main wires together the provisioning service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/app"
	"github.com/JakeFAU/realtime-account-provisioner/internal/config"
	"github.com/JakeFAU/realtime-account-provisioner/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initialize service", zap.Error(err))
	}

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("service exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
