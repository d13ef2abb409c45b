package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/HassanAlkuheli/OurPay/internal/broker"
	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
	"github.com/HassanAlkuheli/OurPay/internal/outbox"
)

type EventStore interface {
	GetEvent(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type SubscriptionStore interface {
	ActiveSubscriptions(ctx context.Context, merchantID uuid.UUID, eventType string) ([]domain.Subscription, error)
}

type Sender interface {
	Deliver(ctx context.Context, evt domain.WebhookEvent, sub domain.Subscription) error
}

// Dispatcher consumes relayed events and fans them out to subscriptions.
// Each worker owns one event at a time, so a slow subscriber only holds up
// its own event. A copy of an event that is still being delivered in this
// process is acked without a second delivery loop.
type Dispatcher struct {
	consumer broker.Consumer
	events   EventStore
	subs     SubscriptionStore
	sender   Sender
	logger   *slog.Logger
	workers  int
	sleep    SleepFunc
	now      func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func NewDispatcher(consumer broker.Consumer, events EventStore, subs SubscriptionStore, sender Sender, logger *slog.Logger, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		consumer: consumer,
		events:   events,
		subs:     subs,
		sender:   sender,
		logger:   logger,
		workers:  workers,
		sleep:    DefaultSleep,
		now:      time.Now,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// claim reports false when id already has a delivery cycle running.
func (d *Dispatcher) claim(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// Run fetches until ctx is done or the consumer is closed, then waits for
// the workers to drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan broker.Delivery)

	var g errgroup.Group
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for delivery := range jobs {
				if err := d.Handle(ctx, delivery); err != nil && ctx.Err() == nil {
					d.logger.Error("webhook dispatch failed", "error", err)
				}
			}
			return nil
		})
	}

	d.logger.Info("webhook dispatcher started", "workers", d.workers)
	d.fetchLoop(ctx, jobs)
	close(jobs)
	err := g.Wait()
	d.logger.Info("webhook dispatcher stopped")
	return err
}

func (d *Dispatcher) fetchLoop(ctx context.Context, jobs chan<- broker.Delivery) {
	for {
		delivery, err := d.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			d.logger.Error("broker fetch failed", "error", err)
			if d.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		select {
		case jobs <- delivery:
		case <-ctx.Done():
			// Left unacknowledged; the broker or the outbox sweep redelivers it.
			return
		}
	}
}

// Handle processes one delivery to completion: every matching subscription
// finishes its loop, the event is marked processed, then the message is
// acked. Infrastructure failures before delivery requeue the message.
func (d *Dispatcher) Handle(ctx context.Context, delivery broker.Delivery) error {
	env, err := outbox.ParseMessage(delivery.Message())
	if err != nil {
		d.logger.Error("dropping malformed webhook message", "error", err)
		return delivery.Nack(ctx, false)
	}
	if !domain.ValidEventType(env.EventType) {
		d.logger.Error("dropping message with unknown event type", "event_id", env.EventID, "event_type", env.EventType)
		return delivery.Nack(ctx, false)
	}

	// The running cycle marks the event processed or requeues its own copy.
	if !d.claim(env.EventID) {
		d.logger.Info("event already in flight, dropping duplicate", "event_id", env.EventID)
		return delivery.Ack(ctx)
	}
	defer d.release(env.EventID)

	evt, err := d.events.GetEvent(ctx, env.EventID)
	if err != nil {
		if domain.IsNotFound(err) {
			d.logger.Warn("dropping message for unknown event", "event_id", env.EventID)
			return delivery.Nack(ctx, false)
		}
		return d.requeue(ctx, delivery, env.EventID, err)
	}
	if evt.Processed {
		d.logger.Debug("event already processed", "event_id", evt.ID)
		return delivery.Ack(ctx)
	}

	subs, err := d.subs.ActiveSubscriptions(ctx, evt.MerchantID, evt.EventType)
	if err != nil {
		return d.requeue(ctx, delivery, evt.ID, err)
	}

	var g errgroup.Group
	for _, sub := range subs {
		g.Go(func() error {
			err := d.sender.Deliver(ctx, evt, sub)
			if errors.Is(err, domain.ErrFatalDelivery) {
				d.logger.Error("webhook delivery exhausted", "event_id", evt.ID, "webhook_id", sub.ID, "url", sub.URL, "error", err)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// Cancelled mid-delivery: leave the message unacknowledged.
		return err
	}

	if err := d.events.MarkProcessed(ctx, evt.ID, d.now().UTC()); err != nil {
		return d.requeue(ctx, delivery, evt.ID, err)
	}
	metrics.WebhookEventsProcessed.Inc()
	d.logger.Info("webhook event processed", "event_id", evt.ID, "event_type", evt.EventType, "subscriptions", len(subs))
	return delivery.Ack(ctx)
}

func (d *Dispatcher) requeue(ctx context.Context, delivery broker.Delivery, eventID uuid.UUID, cause error) error {
	d.logger.Warn("requeueing webhook message", "event_id", eventID, "error", cause)
	if err := delivery.Nack(ctx, true); err != nil {
		return errors.Join(cause, err)
	}
	return nil
}
