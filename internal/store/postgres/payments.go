package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/payment"
)

const paymentColumns = "id, merchant_id, customer_id, amount::text, currency, status, expires_at, created_at, updated_at"

const userColumns = "id, name, role, balance::text, created_at, updated_at"

func scanPayment(row pgx.CollectableRow) (domain.Payment, error) {
	var (
		p        domain.Payment
		customer uuid.NullUUID
		amount   string
		status   string
	)
	if err := row.Scan(&p.ID, &p.MerchantID, &customer, &amount, &p.Currency, &status, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Payment{}, err
	}
	if customer.Valid {
		id := customer.UUID
		p.CustomerID = &id
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Payment{}, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	p.Status = domain.Status(status)
	return p, nil
}

func scanUser(row pgx.CollectableRow) (domain.User, error) {
	var (
		u       domain.User
		role    string
		balance string
	)
	if err := row.Scan(&u.ID, &u.Name, &role, &balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.User{}, fmt.Errorf("user %s balance: %w", u.ID, err)
	}
	u.Role = domain.Role(role)
	return u, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Infra("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &settlementTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Infra("commit tx", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id=$1", id.String())
	if err != nil {
		return domain.Payment{}, domain.Infra("get payment", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		return domain.Payment{}, lookupErr("payment", id, err)
	}
	return p, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+userColumns+" FROM users WHERE id=$1", id.String())
	if err != nil {
		return domain.User{}, domain.Infra("get user", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		return domain.User{}, lookupErr("user", id, err)
	}
	return u, nil
}

func (s *Store) ListPayments(ctx context.Context, merchantID *uuid.UUID, limit, offset int) ([]domain.Payment, int, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, domain.Validationf("negative list window limit=%d offset=%d", limit, offset)
	}
	filter := nullableID(merchantID)

	var total int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM payments WHERE ($1::uuid IS NULL OR merchant_id = $1::uuid)",
		filter,
	).Scan(&total)
	if err != nil {
		return nil, 0, domain.Infra("count payments", err)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE ($1::uuid IS NULL OR merchant_id = $1::uuid) ORDER BY created_at DESC, id LIMIT $2 OFFSET $3",
		filter, limit, offset,
	)
	if err != nil {
		return nil, 0, domain.Infra("list payments", err)
	}
	payments, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return nil, 0, domain.Infra("list payments", err)
	}
	return payments, total, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id FROM payments WHERE status=$1 AND expires_at <= $2 ORDER BY expires_at LIMIT $3",
		string(domain.StatusPending), now, limit,
	)
	if err != nil {
		return nil, domain.Infra("list expired payments", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, domain.Infra("list expired payments", err)
	}
	return ids, nil
}

type settlementTx struct {
	tx pgx.Tx
}

func (t *settlementTx) InsertPayment(ctx context.Context, p domain.Payment) error {
	_, err := t.tx.Exec(
		ctx,
		"INSERT INTO payments (id, merchant_id, customer_id, amount, currency, status, expires_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		p.ID.String(), p.MerchantID.String(), nullableID(p.CustomerID), p.Amount.String(), p.Currency, string(p.Status), p.ExpiresAt, p.CreatedAt, p.UpdatedAt,
	)
	return domain.Infra("insert payment", err)
}

func (t *settlementTx) LockPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id=$1 FOR UPDATE", id.String())
	if err != nil {
		return domain.Payment{}, domain.Infra("lock payment", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		return domain.Payment{}, lookupErr("payment", id, err)
	}
	return p, nil
}

func (t *settlementTx) LockUsers(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]domain.User, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	rows, err := t.tx.Query(ctx, "SELECT "+userColumns+" FROM users WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE", keys)
	if err != nil {
		return nil, domain.Infra("lock users", err)
	}
	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, domain.Infra("lock users", err)
	}
	out := make(map[uuid.UUID]domain.User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (t *settlementTx) SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	result, err := t.tx.Exec(ctx,
		"UPDATE users SET balance=$1, updated_at=$2 WHERE id=$3",
		balance.String(), at, userID.String(),
	)
	if err != nil {
		return domain.Infra("set balance", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (t *settlementTx) TransitionPayment(ctx context.Context, tr payment.Transition) (bool, error) {
	if err := tr.Validate(); err != nil {
		return false, err
	}
	result, err := t.tx.Exec(ctx,
		"UPDATE payments SET status=$1, updated_at=$2, customer_id=COALESCE($3::uuid, customer_id) WHERE id=$4 AND status=$5",
		string(tr.To), tr.At, nullableID(tr.CustomerID), tr.ID.String(), string(tr.From),
	)
	if err != nil {
		return false, domain.Infra("transition payment", err)
	}
	return result.RowsAffected() == 1, nil
}

func (t *settlementTx) AppendEvent(ctx context.Context, evt domain.WebhookEvent) error {
	_, err := t.tx.Exec(
		ctx,
		"INSERT INTO webhook_events (id, payment_id, merchant_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5::jsonb, $6)",
		evt.ID.String(), evt.PaymentID.String(), evt.MerchantID.String(), evt.EventType, string(evt.Payload), evt.CreatedAt,
	)
	return domain.Infra("insert webhook event", err)
}
