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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/HassanAlkuheli/OurPay/internal/admission"
	"github.com/HassanAlkuheli/OurPay/internal/api"
	"github.com/HassanAlkuheli/OurPay/internal/audit"
	"github.com/HassanAlkuheli/OurPay/internal/cache"
	"github.com/HassanAlkuheli/OurPay/internal/config"
	"github.com/HassanAlkuheli/OurPay/internal/health"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
	"github.com/HassanAlkuheli/OurPay/internal/payment"
	"github.com/HassanAlkuheli/OurPay/internal/store/postgres"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "payments")
	if err := run(logger); err != nil {
		logger.Error("payments service exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}

	dbpool, err := postgres.GetPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbpool.Close()
	store := postgres.New(dbpool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	shared := cache.NewRedis(rdb)

	auditor := audit.NewService(store, logger)
	paymentSvc := payment.NewService(store, shared, auditor, logger, cfg.Payment)
	gate := admission.New(shared, cfg.Admission, logger)
	healthSvc := health.NewService(2*time.Second, map[string]health.CheckFunc{
		"database": store.Ping,
		"cache":    shared.Ping,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Deps{
			Payments:       paymentSvc,
			Audit:          auditor,
			Health:         healthSvc.Handler,
			Metrics:        metrics.Handler(),
			Admission:      gate.Middleware,
			AllowedOrigins: cfg.AllowedCORS,
			MaxBodyBytes:   cfg.Admission.MaxBodyBytes,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 2 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		paymentSvc.RunSweeper(ctx, cfg.Payment.SweepInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info("web server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down web server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
