package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"schoolpass/internal/app"
	"schoolpass/internal/config"
	"schoolpass/internal/logging"
	"schoolpass/internal/metrics"
	"schoolpass/internal/roster"
)

// Worker runs the end-of-term payment reset on a schedule and whenever the
// term settings change.
func main() {
	flags, err := config.ParseFlags("worker", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := config.LoadEnvFile(flags.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "schoolpass-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if cfg.StoreBackend == "memory" {
		logger.Warn("worker has its own in-memory store; it cannot see api data")
	}
	backends, err := app.Open(ctx, cfg, flags.Migrate, logger)
	if err != nil {
		logger.Fatal("backend init failed", zap.Error(err))
	}
	defer backends.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	metricsSrv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()

	svc := roster.NewService(backends.Store, logger)
	sweeper := roster.NewSweeper(svc, backends.Bus, nil, cfg.TermCheckInterval, m, logger)

	logger.Info("worker started", zap.Duration("interval", cfg.TermCheckInterval))
	if err := sweeper.Run(ctx); err != nil {
		logger.Error("sweeper stopped", zap.Error(err))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
