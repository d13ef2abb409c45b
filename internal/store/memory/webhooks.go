package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

// PublishUnpublished hands rows that were never published to fn, oldest
// first, and stamps published_at on each one fn accepted. Rows fn rejects
// stay unpublished and their errors are joined into the result.
func (s *Store) PublishUnpublished(ctx context.Context, limit int, at time.Time, fn func(context.Context, domain.WebhookEvent) error) (int, error) {
	return s.publish(ctx, limit, at, fn, func(e domain.WebhookEvent) bool {
		return e.PublishedAt == nil
	})
}

// PublishStale republishes unprocessed rows published before the cutoff.
func (s *Store) PublishStale(ctx context.Context, before time.Time, limit int, at time.Time, fn func(context.Context, domain.WebhookEvent) error) (int, error) {
	return s.publish(ctx, limit, at, fn, func(e domain.WebhookEvent) bool {
		return !e.Processed && e.PublishedAt != nil && e.PublishedAt.Before(before)
	})
}

// publish releases the lock around fn so a synchronous broker can feed a
// consumer that reads the store.
func (s *Store) publish(ctx context.Context, limit int, at time.Time, fn func(context.Context, domain.WebhookEvent) error, match func(domain.WebhookEvent) bool) (int, error) {
	s.mu.Lock()
	var batch []domain.WebhookEvent
	for _, e := range s.events {
		if len(batch) == limit {
			break
		}
		if match(e) {
			batch = append(batch, e)
		}
	}
	s.mu.Unlock()

	published := 0
	var errs []error
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := fn(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("publish event %s: %w", e.ID, err))
			continue
		}
		s.mu.Lock()
		for i := range s.events {
			if s.events[i].ID == e.ID {
				stamp := at
				s.events[i].PublishedAt = &stamp
				break
			}
		}
		s.mu.Unlock()
		published++
	}
	return published, errors.Join(errs...)
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.WebhookEvent{}, fmt.Errorf("webhook event %s: %w", id, domain.ErrNotFound)
}

func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			stamp := at
			s.events[i].Processed = true
			s.events[i].ProcessedAt = &stamp
			return nil
		}
	}
	return fmt.Errorf("webhook event %s: %w", id, domain.ErrNotFound)
}

func (s *Store) ActiveSubscriptions(ctx context.Context, merchantID uuid.UUID, eventType string) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.Matches(merchantID, eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) InsertAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) InsertAuditLog(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// ListAuditLogs returns the audit trail of one payment, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.PaymentID != nil && *e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}
