// Package webhook delivers outbox events to merchant endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/HassanAlkuheli/OurPay/internal/config"
	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderSignature = "X-Webhook-Signature"

	maxResponseBody = 1024
)

// Payload is the JSON body POSTed to subscribers.
type Payload struct {
	EventType string          `json:"eventType"`
	EventID   uuid.UUID       `json:"eventId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type AttemptStore interface {
	InsertAttempt(ctx context.Context, a domain.DeliveryAttempt) error
}

type Deliverer struct {
	client   *http.Client
	attempts AttemptStore
	logger   *slog.Logger
	cfg      config.WebhookConfig
	sleep    SleepFunc
	now      func() time.Time
}

type DelivererOption func(*Deliverer)

func WithSleep(sleep SleepFunc) DelivererOption {
	return func(d *Deliverer) { d.sleep = sleep }
}

func WithHTTPClient(client *http.Client) DelivererOption {
	return func(d *Deliverer) { d.client = client }
}

func NewDeliverer(attempts AttemptStore, logger *slog.Logger, cfg config.WebhookConfig, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{
		client:   &http.Client{},
		attempts: attempts,
		logger:   logger,
		cfg:      cfg,
		sleep:    DefaultSleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver runs the delivery loop for one subscription. It returns nil on a
// 2xx, an error wrapping domain.ErrFatalDelivery once retries are exhausted,
// or the context error when cancelled.
func (d *Deliverer) Deliver(ctx context.Context, evt domain.WebhookEvent, sub domain.Subscription) error {
	body, err := json.Marshal(Payload{
		EventType: evt.EventType,
		EventID:   evt.ID,
		Timestamp: evt.CreatedAt,
		Data:      evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	retry := NewRetry(d.cfg.MaxRetries, d.cfg.InitialDelay, d.cfg.MaxDelay)
	var last domain.DeliveryAttempt
	for retry.Next() {
		last = d.attempt(ctx, evt, sub, body, retry.Attempt())
		if last.Success {
			d.logger.Info("webhook delivered", "event_id", evt.ID, "webhook_id", sub.ID, "attempt", last.AttemptNumber, "status", last.StatusCode)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if retry.Exhausted() {
			break
		}

		delay := retry.Delay()
		d.logger.Warn("webhook delivery failed, retrying", "event_id", evt.ID, "webhook_id", sub.ID, "attempt", last.AttemptNumber, "status", last.StatusCode, "error", last.Error, "retry_in", delay)
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}

	metrics.WebhookExhausted.Inc()
	return fmt.Errorf("%w: event %s to %s after %d attempts: %s", domain.ErrFatalDelivery, evt.ID, sub.URL, last.AttemptNumber, last.Error)
}

func (d *Deliverer) attempt(ctx context.Context, evt domain.WebhookEvent, sub domain.Subscription, body []byte, n int) domain.DeliveryAttempt {
	a := domain.DeliveryAttempt{
		ID:             uuid.New(),
		EventID:        evt.ID,
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		AttemptNumber:  n,
		AttemptedAt:    d.now().UTC(),
	}

	start := time.Now()
	status, respBody, err := d.post(ctx, evt, sub, body, n)
	a.Latency = time.Since(start)
	a.StatusCode = status
	a.ResponseBody = respBody
	switch {
	case err != nil:
		a.Error = fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err).Error()
	case status < 200 || status > 299:
		a.Error = fmt.Sprintf("%s: unexpected status %d", domain.ErrTransientDelivery, status)
	default:
		a.Success = true
	}

	result := "failure"
	if a.Success {
		result = "success"
	}
	metrics.WebhookAttempts.WithLabelValues(result).Inc()
	metrics.WebhookLatency.Observe(a.Latency.Seconds())

	// The row must exist even if the delivery was cancelled mid-flight.
	if err := d.attempts.InsertAttempt(context.WithoutCancel(ctx), a); err != nil {
		d.logger.Error("failed to record webhook attempt", "event_id", evt.ID, "webhook_id", sub.ID, "attempt", n, "error", err)
	}
	return a
}

func (d *Deliverer) post(ctx context.Context, evt domain.WebhookEvent, sub domain.Subscription, body []byte, n int) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OurPay-Webhooks/1.0")
	req.Header.Set(HeaderEvent, evt.EventType)
	req.Header.Set(HeaderID, evt.ID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(n))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return http.StatusRequestTimeout, "", err
		}
		return 0, "", err
	}
	defer resp.Body.Close()

	// A body read failure does not change the outcome of a delivered request.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(raw), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
