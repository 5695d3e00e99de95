package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/app"
	"attendguard/internal/audit"
	"attendguard/internal/config"
	"attendguard/internal/handler"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/logging"
	"attendguard/internal/metrics"
	"attendguard/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "error", "api").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "api")

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.App, logger *slog.Logger) error {
	if cfg.MigrateOnStart {
		if err := store.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	a, err := app.New(cfg, m, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	r := gin.New()
	if err := httpmiddleware.TrustProxies(r, httpmiddleware.SplitList(cfg.TrustedProxies)); err != nil {
		return err
	}
	r.Use(gin.Recovery())
	r.Use(logging.RequestLogger(logger, "/healthz", "/metrics"))
	r.Use(m.GinMiddleware())
	r.Use(httpmiddleware.CORS(httpmiddleware.SplitList(cfg.CORSOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.RateLimit(a.Throttle, httpmiddleware.PerIPRule(cfg.RateLimitPerMin)))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.New(a.Service, handler.Config{
		JWTIssuer:     cfg.JWTIssuer,
		JWTSigningKey: cfg.JWTSigningKey,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		DevTokens:     !cfg.Production(),
	}, a.Checks(), logger).Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// an in-process queue is only visible to this process, so it drains here
	if cfg.QueueBackend == "memory" {
		w := audit.NewWorker(a.Queue, a.AuditStore, audit.WorkerConfig{
			MaxAttempts:   cfg.AuditMaxAttempts,
			PurgeInterval: cfg.AuditPurgeInterval,
		}, logger)
		g.Go(func() error { return untilDone(w.Run(ctx)) })
		g.Go(func() error { return untilDone(w.RunPurge(ctx)) })
		g.Go(func() error { return a.Service.RunSweeper(ctx, cfg.SweepInterval) })
	}

	return g.Wait()
}

// untilDone treats a cancelled context as a clean stop.
func untilDone(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
