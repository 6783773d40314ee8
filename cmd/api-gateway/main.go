package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noah-isme/krs-api/internal/app"
	"github.com/noah-isme/krs-api/pkg/config"
	"github.com/noah-isme/krs-api/pkg/logger"
	"github.com/noah-isme/krs-api/pkg/tracing"
)

// @title KRS API
// @version 1.0.0
// @description Course enrollment approval workflow
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logr.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logr.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	server, err := app.NewServer(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to start", zap.Error(err))
	}
	if err := server.Run(ctx); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}
