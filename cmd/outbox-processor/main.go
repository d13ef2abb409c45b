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

	"golang.org/x/sync/errgroup"

	"github.com/HassanAlkuheli/OurPay/internal/broker"
	"github.com/HassanAlkuheli/OurPay/internal/config"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
	"github.com/HassanAlkuheli/OurPay/internal/outbox"
	"github.com/HassanAlkuheli/OurPay/internal/store/postgres"
	"github.com/HassanAlkuheli/OurPay/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "outbox-processor")
	if err := run(logger); err != nil {
		logger.Error("outbox processor exited", "error", err)
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

	dbpool, err := postgres.GetPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbpool.Close()
	store := postgres.New(dbpool)

	publisher := broker.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer publisher.Close()
	relay := outbox.NewRelay(store, publisher, logger, cfg.Outbox)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 2 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(ctx)
	})

	if cfg.Webhook.Enabled {
		consumer := broker.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		deliverer := webhook.NewDeliverer(store, logger, cfg.Webhook)
		dispatcher := webhook.NewDispatcher(consumer, store, store, deliverer, logger, cfg.Webhook.Workers)
		g.Go(func() error {
			defer consumer.Close()
			return dispatcher.Run(ctx)
		})
	} else {
		logger.Info("webhook dispatch disabled")
	}

	g.Go(func() error {
		logger.Info("metrics server started", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
