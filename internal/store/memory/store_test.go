package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/payment"
)

func TestStore_WithTxRollsBack(t *testing.T) {
	s := New()
	user := domain.User{ID: uuid.New(), Role: domain.RoleCustomer, Balance: decimal.NewFromInt(10)}
	s.AddUser(user)
	now := time.Now().UTC()
	p := domain.Payment{ID: uuid.New(), MerchantID: uuid.New(), Amount: decimal.NewFromInt(5), Status: domain.StatusPending, ExpiresAt: now.Add(time.Hour)}

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		require.NoError(t, tx.InsertPayment(ctx, p))
		require.NoError(t, tx.SetBalance(ctx, user.ID, decimal.NewFromInt(1), now))
		ok, err := tx.TransitionPayment(ctx, payment.Transition{ID: p.ID, From: domain.StatusPending, To: domain.StatusSuccess, At: now})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.AppendEvent(ctx, domain.WebhookEvent{ID: uuid.New(), PaymentID: p.ID}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetPayment(context.Background(), p.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	got, err := s.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(decimal.NewFromInt(10)))
	require.Empty(t, s.Events())
}

func TestStore_TransitionIsCompareAndSwap(t *testing.T) {
	s := New()
	now := time.Now().UTC()
	p := domain.Payment{ID: uuid.New(), Status: domain.StatusPending, ExpiresAt: now}

	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertPayment(ctx, p)
	}))

	var results []bool
	for i := 0; i < 2; i++ {
		require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
			ok, err := tx.TransitionPayment(ctx, payment.Transition{ID: p.ID, From: domain.StatusPending, To: domain.StatusExpired, At: now})
			results = append(results, ok)
			return err
		}))
	}
	require.Equal(t, []bool{true, false}, results)

	ids, err := s.ListExpiredPending(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestStore_TransitionRejectsIllegalMoves(t *testing.T) {
	now := time.Now().UTC()

	var tests = []struct {
		name    string
		stored  domain.Status
		from    domain.Status
		to      domain.Status
		wantErr bool
	}{
		{name: "pending to success", stored: domain.StatusPending, from: domain.StatusPending, to: domain.StatusSuccess},
		{name: "pending to failed", stored: domain.StatusPending, from: domain.StatusPending, to: domain.StatusFailed},
		{name: "pending to pending", stored: domain.StatusPending, from: domain.StatusPending, to: domain.StatusPending, wantErr: true},
		{name: "success back to pending", stored: domain.StatusSuccess, from: domain.StatusSuccess, to: domain.StatusPending, wantErr: true},
		{name: "expired to cancelled", stored: domain.StatusExpired, from: domain.StatusExpired, to: domain.StatusCancelled, wantErr: true},
		{name: "unknown status", stored: domain.StatusPending, from: domain.Status("refunded"), to: domain.StatusSuccess, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			p := domain.Payment{ID: uuid.New(), Status: tt.stored, ExpiresAt: now}
			require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
				return tx.InsertPayment(ctx, p)
			}))

			var ok bool
			err := s.WithTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
				var err error
				ok, err = tx.TransitionPayment(ctx, payment.Transition{ID: p.ID, From: tt.from, To: tt.to, At: now})
				return err
			})

			got, getErr := s.GetPayment(context.Background(), p.ID)
			require.NoError(t, getErr)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrConflict)
				require.False(t, ok)
				require.Equal(t, tt.stored, got.Status)
				return
			}
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tt.to, got.Status)
		})
	}
}

func TestStore_ListPaymentsRejectsNegativeWindow(t *testing.T) {
	s := New()
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		return tx.InsertPayment(ctx, domain.Payment{ID: uuid.New(), Status: domain.StatusPending})
	}))

	_, _, err := s.ListPayments(context.Background(), nil, 10, -10)
	require.ErrorIs(t, err, domain.ErrValidation)

	page, total, err := s.ListPayments(context.Background(), nil, 10, math.MaxInt)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Empty(t, page)
}

func TestStore_Publish(t *testing.T) {
	s := New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx payment.Tx) error {
		for i := 0; i < 3; i++ {
			id := uuid.New()
			ids = append(ids, id)
			if err := tx.AppendEvent(ctx, domain.WebhookEvent{ID: id, CreatedAt: t0}); err != nil {
				return err
			}
		}
		return nil
	}))

	failOn := ids[1]
	var seen []uuid.UUID
	n, err := s.PublishUnpublished(context.Background(), 10, t0, func(_ context.Context, e domain.WebhookEvent) error {
		if e.ID == failOn {
			return errors.New("broker down")
		}
		seen = append(seen, e.ID)
		return nil
	})
	require.ErrorContains(t, err, "broker down")
	require.ErrorContains(t, err, failOn.String())
	require.Equal(t, 2, n, "a failing row does not block the rows after it")
	require.Equal(t, []uuid.UUID{ids[0], ids[2]}, seen)

	var retried []uuid.UUID
	n, err = s.PublishUnpublished(context.Background(), 10, t0, func(_ context.Context, e domain.WebhookEvent) error {
		retried = append(retried, e.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uuid.UUID{failOn}, retried)

	require.NoError(t, s.MarkProcessed(context.Background(), ids[0], t0))

	n, err = s.PublishStale(context.Background(), t0.Add(time.Minute), 10, t0.Add(time.Minute), func(context.Context, domain.WebhookEvent) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, n, "processed rows are not republished")

	n, err = s.PublishStale(context.Background(), t0.Add(time.Minute), 10, t0.Add(2*time.Minute), func(context.Context, domain.WebhookEvent) error { return nil })
	require.NoError(t, err)
	require.Zero(t, n, "republished rows wait for the next grace window")
}

func TestStore_ListAuditLogs(t *testing.T) {
	s := New()
	paymentID := uuid.New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := domain.AuditEntry{ID: uuid.New(), PaymentID: &paymentID, Action: "payment_create", Timestamp: t0}
	newer := domain.AuditEntry{ID: uuid.New(), PaymentID: &paymentID, Action: "payment_cancel", Timestamp: t0.Add(time.Minute)}
	other := uuid.New()

	for _, e := range []domain.AuditEntry{
		older,
		{ID: uuid.New(), PaymentID: &other, Action: "payment_create", Timestamp: t0},
		{ID: uuid.New(), Action: "login", Timestamp: t0},
		newer,
	} {
		require.NoError(t, s.InsertAuditLog(context.Background(), e))
	}

	got, err := s.ListAuditLogs(context.Background(), paymentID)
	require.NoError(t, err)
	require.Equal(t, []domain.AuditEntry{newer, older}, got)

	got, err = s.ListAuditLogs(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Empty(t, got)
}
