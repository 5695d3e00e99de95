// Worker drains the audit queue into Postgres, purges expired audit rows and
// runs the session sweeper.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/app"
	"attendguard/internal/audit"
	"attendguard/internal/config"
	"attendguard/internal/logging"
	"attendguard/internal/metrics"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "error", "worker").Error("load config", "error", err)
		return 1
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, app.New); err != nil {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	logger.Info("worker stopped")
	return 0
}

type appFactory func(config.App, *metrics.Metrics, *slog.Logger) (*app.App, error)

// run blocks until ctx ends or a component fails, and releases the app's
// connections before returning.
func run(ctx context.Context, cfg config.App, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer, newApp appFactory) error {
	m := metrics.New(reg)
	a, err := newApp(cfg, m, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.QueueBackend == "memory" {
		logger.Warn("QUEUE_BACKEND=memory: the api drains its own queue, this worker only sweeps")
	}

	w := audit.NewWorker(a.Queue, a.AuditStore, audit.WorkerConfig{
		MaxAttempts:   cfg.AuditMaxAttempts,
		PurgeInterval: cfg.AuditPurgeInterval,
	}, logger)

	// metrics only; the worker serves no API
	srv := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.QueueBackend != "memory" {
		g.Go(func() error { return untilDone(w.Run(ctx)) })
	}
	g.Go(func() error { return untilDone(w.RunPurge(ctx)) })
	g.Go(func() error { return a.Service.RunSweeper(ctx, cfg.SweepInterval) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started", "queue", cfg.QueueBackend)
	return g.Wait()
}

// untilDone treats a cancelled context as a clean stop.
func untilDone(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
