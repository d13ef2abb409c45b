// Package outbox relays committed webhook_events rows to the broker.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/HassanAlkuheli/OurPay/internal/broker"
	"github.com/HassanAlkuheli/OurPay/internal/config"
	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
)

type Store interface {
	PublishUnpublished(ctx context.Context, limit int, at time.Time, fn func(context.Context, domain.WebhookEvent) error) (int, error)
	PublishStale(ctx context.Context, before time.Time, limit int, at time.Time, fn func(context.Context, domain.WebhookEvent) error) (int, error)
}

// Relay publishes rows after commit. The poll pass picks up rows never
// published; the sweep pass republishes rows the dispatcher has not marked
// processed within the grace window, so a lost publish or a crashed consumer
// only delays delivery.
type Relay struct {
	store     Store
	publisher broker.Publisher
	logger    *slog.Logger
	cfg       config.OutboxConfig
	now       func() time.Time
}

type Option func(*Relay)

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func NewRelay(store Store, publisher broker.Publisher, logger *slog.Logger, cfg config.OutboxConfig, opts ...Option) *Relay {
	r := &Relay{
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	r.logger.Info("outbox relay started", "poll_interval", r.cfg.PollInterval, "sweep_interval", r.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-poll.C:
			if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("error processing outbox messages", "error", err)
			}
		case <-sweep.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("error republishing outbox messages", "error", err)
			}
		}
	}
}

// Poll publishes one batch of unpublished rows.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	n, err := r.store.PublishUnpublished(ctx, r.cfg.BatchSize, r.now().UTC(), r.publish)
	r.record("poll", n, err)
	return n, err
}

// Sweep republishes one batch of stale unprocessed rows.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	now := r.now().UTC()
	n, err := r.store.PublishStale(ctx, now.Add(-r.cfg.RepublishGrace), r.cfg.BatchSize, now, r.publish)
	r.record("sweep", n, err)
	return n, err
}

func (r *Relay) publish(ctx context.Context, e domain.WebhookEvent) error {
	msg, err := NewMessage(e)
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		return err
	}
	r.logger.Debug("outbox message published", "event_id", e.ID, "event_type", e.EventType, "payment_id", e.PaymentID)
	return nil
}

func (r *Relay) record(pass string, n int, err error) {
	if n > 0 {
		metrics.OutboxPublished.WithLabelValues(pass).Add(float64(n))
		r.logger.Info("outbox messages published", "pass", pass, "count", n)
	}
	if err != nil {
		metrics.OutboxPublishErrors.Inc()
	}
}
