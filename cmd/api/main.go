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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"schoolpass/internal/app"
	"schoolpass/internal/auth"
	"schoolpass/internal/badge"
	"schoolpass/internal/config"
	"schoolpass/internal/cue"
	"schoolpass/internal/handler"
	"schoolpass/internal/httpmiddleware"
	"schoolpass/internal/logging"
	"schoolpass/internal/metrics"
	"schoolpass/internal/roster"
	"schoolpass/internal/scan"
)

func main() {
	flags, err := config.ParseFlags("api", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := config.LoadEnvFile(flags.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "schoolpass-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("detail", w))
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, flags, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, flags config.Flags, logger *zap.Logger) error {
	ctx := context.Background()

	backends, err := app.Open(ctx, cfg, flags.Migrate, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	svc := roster.NewService(backends.Store, logger)

	created, err := svc.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPIN)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		logger.Info("bootstrap admin created", zap.String("email", cfg.BootstrapAdminEmail))
	}
	roster.NewSweeper(svc, nil, nil, cfg.TermCheckInterval, m, logger).Sweep(ctx, "startup")

	var player cue.Player = cue.Nop{}
	if cfg.CueURL != "" {
		player = cue.NewHTTPPlayer(cfg.CueURL, logger)
	}
	sessions := scan.NewManager(scan.Options{
		Store:         backends.Store,
		Cue:           player,
		Logger:        logger,
		Metrics:       m,
		DisplayWindow: cfg.DisplayWindow,
		CooldownHours: cfg.CooldownHours,

		IdleTimeout:        cfg.SessionIdleTimeout,
		MaxSessionsPerUser: cfg.SessionMaxPerUser,
	})

	var publisher *badge.Publisher
	if cfg.CloudinaryConfigured() {
		publisher = badge.NewPublisher("", cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("cloudinary configured", zap.String("cloud_name", cfg.CloudinaryCloudName))
	} else {
		logger.Info("cloudinary not configured; badge publishing disabled")
	}

	h := handler.New(handler.Deps{
		Roster:       svc,
		Sessions:     sessions,
		Signer:       auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		LoginLimiter: httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, nil),
		Publisher:    publisher,
		Metrics:      m,
		Logger:       logger,
		QRSize:       cfg.QRSize,
		Health:       backends.HealthChecks(),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.APIRateLimitPerMin, cfg.APIRateLimitPerMin, nil).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	sessions.CloseAll(shutdownCtx)

	logger.Info("server exited")
	return nil
}
