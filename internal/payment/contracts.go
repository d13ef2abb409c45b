package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

// Store is the settlement persistence boundary. Reads outside WithTx see
// committed state only.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error)
	GetUser(ctx context.Context, id uuid.UUID) (domain.User, error)
	ListPayments(ctx context.Context, merchantID *uuid.UUID, limit, offset int) ([]domain.Payment, int, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Tx is one multi-row ACID unit. Everything done through it commits or
// rolls back together.
type Tx interface {
	InsertPayment(ctx context.Context, p domain.Payment) error
	// LockPayment reads a payment and holds its row lock until the end of the transaction.
	LockPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error)
	// LockUsers locks user rows in ascending id order; missing ids are absent from the map.
	LockUsers(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]domain.User, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal, at time.Time) error
	// TransitionPayment is a compare-and-swap on status. It reports false
	// when the row was no longer in t.From.
	TransitionPayment(ctx context.Context, t Transition) (bool, error)
	AppendEvent(ctx context.Context, evt domain.WebhookEvent) error
}

type Transition struct {
	ID         uuid.UUID
	From       domain.Status
	To         domain.Status
	CustomerID *uuid.UUID
	At         time.Time
}

// Validate rejects moves the payment state machine does not allow. Stores
// call it before touching the row.
func (t Transition) Validate() error {
	if t.From.Terminal() {
		return &domain.ConflictError{Current: t.From}
	}
	if !domain.CanTransition(t.From, t.To) {
		return fmt.Errorf("payment %s %s -> %s: %w", t.ID, t.From, t.To, domain.ErrConflict)
	}
	return nil
}

// IdempotencyCache stores confirmation responses.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Auditor interface {
	Record(ctx context.Context, userID uuid.UUID, action string, paymentID *uuid.UUID, details any)
}

// ServiceContract is the inbound surface consumed by the HTTP layer.
type ServiceContract interface {
	CreatePayment(ctx context.Context, merchantID uuid.UUID, amount decimal.Decimal, currency string, ttl time.Duration) (*CreateResult, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	ConfirmPayment(ctx context.Context, id, customerID uuid.UUID, idempotencyKey string) (*Confirmation, error)
	CancelPayment(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Payment, error)
	ListPayments(ctx context.Context, actor domain.Actor, page, pageSize int) (*PaymentList, error)
}
