// Package memory is an in-process implementation of every persistence
// contract. Transactions are serialized on one mutex and rolled back from an
// undo log, which gives the same isolation the settlement code expects from
// row locks.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/payment"
)

type Store struct {
	mu       sync.Mutex
	users    map[uuid.UUID]domain.User
	payments map[uuid.UUID]domain.Payment
	events   []domain.WebhookEvent
	subs     []domain.Subscription
	attempts []domain.DeliveryAttempt
	audit    []domain.AuditEntry
}

func New() *Store {
	return &Store{
		users:    make(map[uuid.UUID]domain.User),
		payments: make(map[uuid.UUID]domain.Payment),
	}
}

func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) AddSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// Events returns a copy of the outbox in insertion order.
func (s *Store) Events() []domain.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Store) Attempts() []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attempts)
}

func (s *Store) AuditEntries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.Infra("begin tx", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		t.rollback()
		return domain.Infra("commit tx", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

// ListPayments orders newest first.
func (s *Store) ListPayments(ctx context.Context, merchantID *uuid.UUID, limit, offset int) ([]domain.Payment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.Payment
	for _, p := range s.payments {
		if merchantID != nil && p.MerchantID != *merchantID {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset < 0 || limit < 0 {
		return nil, 0, domain.Validationf("negative list window limit=%d offset=%d", limit, offset)
	}
	if offset >= total {
		return []domain.Payment{}, total, nil
	}
	end := offset + min(limit, total-offset)
	return all[offset:end], total, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Payment
	for _, p := range s.payments {
		if p.ExpiredAt(now) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	ids := make([]uuid.UUID, 0, min(limit, len(due)))
	for _, p := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) InsertPayment(ctx context.Context, p domain.Payment) error {
	if _, ok := t.s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s: %w", p.ID, domain.ErrConflict)
	}
	t.s.payments[p.ID] = p
	t.undo = append(t.undo, func() { delete(t.s.payments, p.ID) })
	return nil
}

func (t *tx) LockPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return domain.Payment{}, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (t *tx) LockUsers(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]domain.User, error) {
	out := make(map[uuid.UUID]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := t.s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (t *tx) SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	prev, ok := t.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	u := prev
	u.Balance = balance
	u.UpdatedAt = at
	t.s.users[userID] = u
	t.undo = append(t.undo, func() { t.s.users[userID] = prev })
	return nil
}

func (t *tx) TransitionPayment(ctx context.Context, tr payment.Transition) (bool, error) {
	if err := tr.Validate(); err != nil {
		return false, err
	}
	prev, ok := t.s.payments[tr.ID]
	if !ok {
		return false, fmt.Errorf("payment %s: %w", tr.ID, domain.ErrNotFound)
	}
	if prev.Status != tr.From {
		return false, nil
	}
	p := prev
	p.Status = tr.To
	p.UpdatedAt = tr.At
	if tr.CustomerID != nil {
		id := *tr.CustomerID
		p.CustomerID = &id
	}
	t.s.payments[tr.ID] = p
	t.undo = append(t.undo, func() { t.s.payments[tr.ID] = prev })
	return true, nil
}

func (t *tx) AppendEvent(ctx context.Context, evt domain.WebhookEvent) error {
	n := len(t.s.events)
	t.s.events = append(t.s.events, evt)
	t.undo = append(t.undo, func() { t.s.events = t.s.events[:n] })
	return nil
}
