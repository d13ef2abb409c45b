package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

const eventColumns = "id, payment_id, merchant_id, event_type, payload::text, created_at, published_at, processed, processed_at"

func scanEvent(row pgx.CollectableRow) (domain.WebhookEvent, error) {
	var (
		e       domain.WebhookEvent
		payload string
	)
	if err := row.Scan(&e.ID, &e.PaymentID, &e.MerchantID, &e.EventType, &payload, &e.CreatedAt, &e.PublishedAt, &e.Processed, &e.ProcessedAt); err != nil {
		return domain.WebhookEvent{}, err
	}
	e.Payload = []byte(payload)
	return e, nil
}

// PublishUnpublished claims rows that were never published, hands each to fn
// in creation order and stamps published_at. Claimed rows are locked with
// SKIP LOCKED so several relays can run side by side. A row fn rejects stays
// unpublished without holding back the rest of the batch; the per-row errors
// are joined into the result.
func (s *Store) PublishUnpublished(ctx context.Context, limit int, at time.Time, fn func(context.Context, domain.WebhookEvent) error) (int, error) {
	return s.publish(ctx, at, fn,
		"SELECT "+eventColumns+" FROM webhook_events WHERE published_at IS NULL ORDER BY created_at LIMIT $1 FOR UPDATE SKIP LOCKED",
		limit,
	)
}

// PublishStale republishes unprocessed rows last published before the cutoff.
func (s *Store) PublishStale(ctx context.Context, before time.Time, limit int, at time.Time, fn func(context.Context, domain.WebhookEvent) error) (int, error) {
	return s.publish(ctx, at, fn,
		"SELECT "+eventColumns+" FROM webhook_events WHERE processed = FALSE AND published_at < $1 ORDER BY created_at LIMIT $2 FOR UPDATE SKIP LOCKED",
		before, limit,
	)
}

func (s *Store) publish(ctx context.Context, at time.Time, fn func(context.Context, domain.WebhookEvent) error, query string, args ...any) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, domain.Infra("begin outbox tx", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return 0, domain.Infra("query outbox", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return 0, domain.Infra("scan outbox", err)
	}

	published := 0
	var errs []error
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := fn(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("publish event %s: %w", e.ID, err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE webhook_events SET published_at=$1 WHERE id=$2", at, e.ID.String()); err != nil {
			return 0, domain.Infra("stamp outbox row", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, domain.Infra("commit outbox tx", err)
	}
	return published, errors.Join(errs...)
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+eventColumns+" FROM webhook_events WHERE id=$1", id.String())
	if err != nil {
		return domain.WebhookEvent{}, domain.Infra("get webhook event", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEvent)
	if err != nil {
		return domain.WebhookEvent{}, lookupErr("webhook event", id, err)
	}
	return e, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.pool.Exec(ctx,
		"UPDATE webhook_events SET processed=TRUE, processed_at=$1 WHERE id=$2",
		at, id.String(),
	)
	if err != nil {
		return domain.Infra("mark event processed", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ActiveSubscriptions(ctx context.Context, merchantID uuid.UUID, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, merchant_id, url, event_types, active, COALESCE(secret, '') FROM webhooks WHERE merchant_id=$1 AND active AND $2 = ANY(event_types) ORDER BY created_at",
		merchantID.String(), eventType,
	)
	if err != nil {
		return nil, domain.Infra("list subscriptions", err)
	}
	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Subscription, error) {
		var sub domain.Subscription
		err := row.Scan(&sub.ID, &sub.MerchantID, &sub.URL, &sub.EventTypes, &sub.Active, &sub.Secret)
		return sub, err
	})
	if err != nil {
		return nil, domain.Infra("list subscriptions", err)
	}
	return subs, nil
}

func (s *Store) InsertAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := s.pool.Exec(
		ctx,
		"INSERT INTO webhook_delivery_attempts (id, event_id, webhook_id, url, attempt_number, status_code, success, latency_ms, error, response_body, attempted_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		a.ID.String(), a.EventID.String(), a.SubscriptionID.String(), a.URL, a.AttemptNumber, a.StatusCode, a.Success,
		a.Latency.Milliseconds(), a.Error, a.ResponseBody, a.AttemptedAt,
	)
	return domain.Infra("insert delivery attempt", err)
}

func (s *Store) InsertAuditLog(ctx context.Context, entry domain.AuditEntry) error {
	details := string(entry.Details)
	if details == "" || details == "null" {
		details = "{}"
	}
	_, err := s.pool.Exec(
		ctx,
		"INSERT INTO audit_logs (id, user_id, payment_id, action, details, timestamp) VALUES ($1, $2, $3, $4, $5::jsonb, $6)",
		entry.ID.String(), entry.UserID.String(), nullableID(entry.PaymentID), entry.Action, details, entry.Timestamp,
	)
	return domain.Infra("insert audit log", err)
}

// ListAuditLogs returns the audit trail of one payment, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, user_id, payment_id, action, details::text, timestamp FROM audit_logs WHERE payment_id=$1 ORDER BY timestamp DESC, id",
		paymentID.String(),
	)
	if err != nil {
		return nil, domain.Infra("list audit logs", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var (
			e       domain.AuditEntry
			payment uuid.NullUUID
			details string
		)
		if err := row.Scan(&e.ID, &e.UserID, &payment, &e.Action, &details, &e.Timestamp); err != nil {
			return domain.AuditEntry{}, err
		}
		if payment.Valid {
			id := payment.UUID
			e.PaymentID = &id
		}
		e.Details = []byte(details)
		return e, nil
	})
	if err != nil {
		return nil, domain.Infra("list audit logs", err)
	}
	return entries, nil
}
