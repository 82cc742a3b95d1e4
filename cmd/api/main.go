package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/paychat-billing/cmd/mainconfig"
	"github.com/wolfman30/paychat-billing/internal/api/router"
	"github.com/wolfman30/paychat-billing/internal/app/bootstrap"
	appconfig "github.com/wolfman30/paychat-billing/internal/config"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

func main() {
	// .env is optional outside local development
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting paychat billing API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry, metricsHandler := setupMetrics()
	billing, err := bootstrap.BuildBilling(ctx, cfg, awsCfg, registry, logger)
	if err != nil {
		logger.Error("failed to wire billing", "error", err)
		os.Exit(1)
	}
	defer billing.Close()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, billing, metricsHandler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var workers sync.WaitGroup
	startWorkers(ctx, &workers, cfg, billing)

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	workers.Wait()
	// Flush whatever the last requests committed.
	billing.Deliverer.Drain(shutdownCtx)
	logger.Info("server exited")
}

func setupMetrics() (*prometheus.Registry, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func newRouter(cfg *appconfig.Config, billing *bootstrap.Billing, metricsHandler http.Handler, logger *logging.Logger) http.Handler {
	return router.New(&router.Config{
		Logger:         logger,
		Sessions:       session.NewHandler(billing.Service, logger),
		MetricsHandler: metricsHandler,
		Health:         billing.Ping,
		UserJWTSecret:  cfg.UserJWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		OpsToken:       cfg.OpsToken,
		Sweeper:        billing.Scheduler,
		Outbox:         billing.Deliverer,
	})
}

// startWorkers runs the outbox deliverer, the expiration sweep and the
// in-process duplicate window sweeper until ctx is cancelled.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg *appconfig.Config, billing *bootstrap.Billing) {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(billing.Deliverer.Start)
	run(billing.Scheduler.Run)
	if billing.MemoryGuard != nil {
		run(func(ctx context.Context) { billing.MemoryGuard.Run(ctx, cfg.AbuseWindow) })
	}
}
