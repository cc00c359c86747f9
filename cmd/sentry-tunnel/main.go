package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sentry-tunnel/internal/config"
	"sentry-tunnel/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	cfg, err := config.FromEnvironment()
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	gin.SetMode(gin.ReleaseMode)

	srv, err := server.NewGinServer(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sentry-tunnel starting", "version", version, "addr", cfg.Addr(), "environment", cfg.Environment)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sentry-tunnel stopped")
}
