package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/HassanAlkuheli/OurPay/internal/audit"
	"github.com/HassanAlkuheli/OurPay/internal/cache"
	"github.com/HassanAlkuheli/OurPay/internal/config"
	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/payment"
	"github.com/HassanAlkuheli/OurPay/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *memory.Store
	cache    *cache.Memory
	clock    *testClock
	svc      *payment.Service
	merchant domain.User
	customer domain.User
}

func testConfig() config.PaymentConfig {
	return config.PaymentConfig{
		BaseURL:             "http://pay.test",
		SupportedCurrencies: []string{"USD", "EUR", "GBP"},
		MinAmount:           decimal.RequireFromString("0.01"),
		MaxAmount:           decimal.RequireFromString("10000.00"),
		DefaultExpiration:   1440 * time.Minute,
		MaxExpiration:       10080 * time.Minute,
		IdempotencyTTL:      24 * time.Hour,
		SweepBatch:          100,
	}
}

func newFixture(t *testing.T, idem payment.IdempotencyCache) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New()
	mem := cache.NewMemory(cache.WithClock(clock.Now))
	if idem == nil {
		idem = mem
	}

	f := &fixture{
		store: store,
		cache: mem,
		clock: clock,
		merchant: domain.User{
			ID:      uuid.New(),
			Name:    "shop",
			Role:    domain.RoleMerchant,
			Balance: decimal.Zero,
		},
		customer: domain.User{
			ID:      uuid.New(),
			Name:    "alice",
			Role:    domain.RoleCustomer,
			Balance: decimal.NewFromInt(200),
		},
	}
	store.AddUser(f.merchant)
	store.AddUser(f.customer)

	f.svc = payment.NewService(store, idem, audit.NewService(store, logger), logger, testConfig(), payment.WithClock(clock.Now))
	return f
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

func (f *fixture) events(paymentID uuid.UUID, eventType string) []domain.WebhookEvent {
	var out []domain.WebhookEvent
	for _, e := range f.store.Events() {
		if e.PaymentID == paymentID && e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) create(t *testing.T, amount string, ttl time.Duration) domain.Payment {
	t.Helper()
	res, err := f.svc.CreatePayment(context.Background(), f.merchant.ID, decimal.RequireFromString(amount), "USD", ttl)
	require.NoError(t, err)
	return res.Payment
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestService_CreatePayment(t *testing.T) {
	var tests = []struct {
		name     string
		merchant func(f *fixture) uuid.UUID
		amount   string
		currency string
		ttl      time.Duration
		wantErr  error
	}{
		{name: "valid", amount: "100.00", currency: "USD", ttl: 60 * time.Minute},
		{name: "lower case currency", amount: "12.5", currency: "eur", ttl: time.Hour},
		{name: "default ttl", amount: "1", currency: "GBP"},
		{name: "unknown merchant", merchant: func(*fixture) uuid.UUID { return uuid.New() }, amount: "10", currency: "USD", ttl: time.Hour, wantErr: domain.ErrNotFound},
		{name: "customer cannot create", merchant: func(f *fixture) uuid.UUID { return f.customer.ID }, amount: "10", currency: "USD", ttl: time.Hour, wantErr: domain.ErrValidation},
		{name: "amount below minimum", amount: "0.001", currency: "USD", ttl: time.Hour, wantErr: domain.ErrValidation},
		{name: "amount above maximum", amount: "10000.01", currency: "USD", ttl: time.Hour, wantErr: domain.ErrValidation},
		{name: "three decimals", amount: "10.123", currency: "USD", ttl: time.Hour, wantErr: domain.ErrValidation},
		{name: "unsupported currency", amount: "10", currency: "JPY", ttl: time.Hour, wantErr: domain.ErrValidation},
		{name: "ttl above ceiling", amount: "10", currency: "USD", ttl: 10081 * time.Minute, wantErr: domain.ErrValidation},
		{name: "negative ttl", amount: "10", currency: "USD", ttl: -time.Minute, wantErr: domain.ErrValidation},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			merchantID := f.merchant.ID
			if tt.merchant != nil {
				merchantID = tt.merchant(f)
			}

			res, err := f.svc.CreatePayment(context.Background(), merchantID, decimal.RequireFromString(tt.amount), tt.currency, tt.ttl)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Empty(t, f.store.Events())
				return
			}
			require.NoError(t, err)

			p := res.Payment
			ttl := tt.ttl
			if ttl == 0 {
				ttl = 1440 * time.Minute
			}
			require.Equal(t, domain.StatusPending, p.Status)
			require.Equal(t, p.CreatedAt.Add(ttl), p.ExpiresAt)
			require.Nil(t, p.CustomerID)
			require.Equal(t, fmt.Sprintf("http://pay.test/pay/%s", p.ID), res.Link)
			require.Len(t, f.events(p.ID, domain.EventPaymentCreated), 1)

			stored, err := f.svc.GetPayment(context.Background(), p.ID)
			require.NoError(t, err)
			require.Equal(t, p.Currency, stored.Currency)
			require.Regexp(t, "^[A-Z]{3}$", stored.Currency)
		})
	}
}

func TestService_GetPaymentLazyExpiry(t *testing.T) {
	f := newFixture(t, nil)
	p := f.create(t, "100", 60*time.Minute)

	got, err := f.svc.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)

	f.clock.Advance(60 * time.Minute)

	const readers = 16
	var wg sync.WaitGroup
	statuses := make([]domain.Status, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.svc.GetPayment(context.Background(), p.ID)
			errs[i] = err
			if err == nil {
				statuses[i] = got.Status
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, domain.StatusExpired, statuses[i])
	}
	require.Len(t, f.events(p.ID, domain.EventPaymentExpired), 1)
}

func TestService_GetPaymentNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetPayment(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ConfirmPaymentScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	expiring := f.create(t, "100", 60*time.Minute)
	f.clock.Advance(61 * time.Minute)
	got, err := f.svc.GetPayment(ctx, expiring.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, got.Status)
	require.Len(t, f.events(expiring.ID, domain.EventPaymentExpired), 1)

	p := f.create(t, "50", 60*time.Minute)
	first, err := f.svc.ConfirmPayment(ctx, p.ID, f.customer.ID, "K")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, first.Status)
	requireDecimal(t, "150", f.balance(t, f.customer.ID))
	requireDecimal(t, "50", f.balance(t, f.merchant.ID))

	second, err := f.svc.ConfirmPayment(ctx, p.ID, f.customer.ID, "K")
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	require.JSONEq(t, string(firstJSON), string(secondJSON))

	requireDecimal(t, "150", f.balance(t, f.customer.ID))
	requireDecimal(t, "50", f.balance(t, f.merchant.ID))
	require.Len(t, f.events(p.ID, domain.EventPaymentConfirmed), 1)

	stored, err := f.svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, stored.Status)
	require.NotNil(t, stored.CustomerID)
	require.Equal(t, f.customer.ID, *stored.CustomerID)
}

func TestService_ConfirmPaymentConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	p := f.create(t, "50", time.Hour)

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, fmt.Sprintf("key-%d", i))
		}(i)
	}
	wg.Wait()

	var success, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case domain.IsConflict(err):
			var ce *domain.ConflictError
			require.True(t, errors.As(err, &ce))
			require.Equal(t, domain.StatusSuccess, ce.Current)
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, success)
	require.Equal(t, callers-1, conflicts)
	requireDecimal(t, "150", f.balance(t, f.customer.ID))
	requireDecimal(t, "50", f.balance(t, f.merchant.ID))
	require.Len(t, f.events(p.ID, domain.EventPaymentConfirmed), 1)
}

func TestService_ConfirmPaymentInsufficientFunds(t *testing.T) {
	f := newFixture(t, nil)
	p := f.create(t, "250", time.Hour)

	_, err := f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, "K")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	requireDecimal(t, "200", f.balance(t, f.customer.ID))
	requireDecimal(t, "0", f.balance(t, f.merchant.ID))
	got, err := f.svc.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.Nil(t, got.CustomerID)
	require.Empty(t, f.events(p.ID, domain.EventPaymentConfirmed))

	var failed int
	for _, e := range f.store.AuditEntries() {
		if e.Action == audit.ActionPaymentConfirmFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)

	// A failed confirmation is not cached: the same key succeeds once funded.
	f.store.AddUser(domain.User{ID: f.customer.ID, Name: "alice", Role: domain.RoleCustomer, Balance: decimal.NewFromInt(300)})
	_, err = f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, "K")
	require.NoError(t, err)
	requireDecimal(t, "50", f.balance(t, f.customer.ID))
}

func TestService_ConfirmPaymentExpired(t *testing.T) {
	f := newFixture(t, nil)
	p := f.create(t, "50", time.Hour)
	f.clock.Advance(2 * time.Hour)

	_, err := f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, "K")
	require.ErrorIs(t, err, domain.ErrExpired)
	require.Len(t, f.events(p.ID, domain.EventPaymentExpired), 1)
	requireDecimal(t, "200", f.balance(t, f.customer.ID))

	_, err = f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, "K2")
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, domain.StatusExpired, ce.Current)
	require.Len(t, f.events(p.ID, domain.EventPaymentExpired), 1)
}

func TestService_ConfirmPaymentRejections(t *testing.T) {
	var tests = []struct {
		name     string
		payment  func(f *fixture) uuid.UUID
		customer func(f *fixture) uuid.UUID
		key      string
		wantErr  error
	}{
		{
			name:     "missing key",
			customer: func(f *fixture) uuid.UUID { return f.customer.ID },
			key:      "  ",
			wantErr:  domain.ErrValidation,
		},
		{
			name:     "unknown payment",
			payment:  func(*fixture) uuid.UUID { return uuid.New() },
			customer: func(f *fixture) uuid.UUID { return f.customer.ID },
			key:      "K",
			wantErr:  domain.ErrNotFound,
		},
		{
			name:     "unknown customer",
			customer: func(*fixture) uuid.UUID { return uuid.New() },
			key:      "K",
			wantErr:  domain.ErrNotFound,
		},
		{
			name:     "merchant confirms own payment",
			customer: func(f *fixture) uuid.UUID { return f.merchant.ID },
			key:      "K",
			wantErr:  domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			p := f.create(t, "50", time.Hour)
			id := p.ID
			if tt.payment != nil {
				id = tt.payment(f)
			}

			_, err := f.svc.ConfirmPayment(context.Background(), id, tt.customer(f), tt.key)
			require.ErrorIs(t, err, tt.wantErr)

			got, err := f.svc.GetPayment(context.Background(), p.ID)
			require.NoError(t, err)
			require.Equal(t, domain.StatusPending, got.Status)
			requireDecimal(t, "200", f.balance(t, f.customer.ID))
		})
	}
}

type CacheMock struct {
	mock.Mock
}

func (m *CacheMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	return nil, args.Bool(1), args.Error(2)
}

func (m *CacheMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func TestService_ConfirmPaymentCacheFailureFailsOpen(t *testing.T) {
	idem := new(CacheMock)
	idem.On("Get", mock.Anything, mock.Anything).Return(nil, false, errors.New("redis down"))
	idem.On("Set", mock.Anything, mock.Anything, mock.Anything, 24*time.Hour).Return(errors.New("redis down"))

	f := newFixture(t, idem)
	p := f.create(t, "50", time.Hour)

	_, err := f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, "K")
	require.NoError(t, err)
	requireDecimal(t, "150", f.balance(t, f.customer.ID))

	// Without a cached response the replay cannot be recognised, but the
	// status check still refuses a second transfer.
	_, err = f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, "K")
	require.ErrorIs(t, err, domain.ErrConflict)
	requireDecimal(t, "150", f.balance(t, f.customer.ID))
	idem.AssertExpectations(t)
}

func TestService_CancelPayment(t *testing.T) {
	var tests = []struct {
		name    string
		actor   func(f *fixture) domain.Actor
		prepare func(t *testing.T, f *fixture, p domain.Payment)
		wantErr error
	}{
		{
			name:  "owning merchant",
			actor: func(f *fixture) domain.Actor { return domain.Actor{ID: f.merchant.ID, Role: domain.RoleMerchant} },
		},
		{
			name:  "admin",
			actor: func(*fixture) domain.Actor { return domain.Actor{ID: uuid.New(), Role: domain.RoleAdmin} },
		},
		{
			name:    "other merchant",
			actor:   func(*fixture) domain.Actor { return domain.Actor{ID: uuid.New(), Role: domain.RoleMerchant} },
			wantErr: domain.ErrForbidden,
		},
		{
			name:    "customer",
			actor:   func(f *fixture) domain.Actor { return domain.Actor{ID: f.customer.ID, Role: domain.RoleCustomer} },
			wantErr: domain.ErrForbidden,
		},
		{
			name:  "already confirmed",
			actor: func(f *fixture) domain.Actor { return domain.Actor{ID: f.merchant.ID, Role: domain.RoleMerchant} },
			prepare: func(t *testing.T, f *fixture, p domain.Payment) {
				_, err := f.svc.ConfirmPayment(context.Background(), p.ID, f.customer.ID, "K")
				require.NoError(t, err)
			},
			wantErr: domain.ErrConflict,
		},
		{
			name:  "past deadline",
			actor: func(f *fixture) domain.Actor { return domain.Actor{ID: f.merchant.ID, Role: domain.RoleMerchant} },
			prepare: func(t *testing.T, f *fixture, p domain.Payment) {
				f.clock.Advance(2 * time.Hour)
			},
			wantErr: domain.ErrExpired,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			p := f.create(t, "50", time.Hour)
			if tt.prepare != nil {
				tt.prepare(t, f, p)
			}

			got, err := f.svc.CancelPayment(context.Background(), p.ID, tt.actor(f))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Empty(t, f.events(p.ID, domain.EventPaymentCancelled))
				return
			}
			require.NoError(t, err)
			require.Equal(t, domain.StatusCancelled, got.Status)
			require.Len(t, f.events(p.ID, domain.EventPaymentCancelled), 1)

			_, err = f.svc.CancelPayment(context.Background(), p.ID, tt.actor(f))
			require.ErrorIs(t, err, domain.ErrConflict)
		})
	}
}

func TestService_ListPayments(t *testing.T) {
	f := newFixture(t, nil)
	other := domain.User{ID: uuid.New(), Name: "other", Role: domain.RoleMerchant}
	f.store.AddUser(other)

	for i := 0; i < 3; i++ {
		f.create(t, "10", time.Hour)
		f.clock.Advance(time.Second)
	}
	_, err := f.svc.CreatePayment(context.Background(), other.ID, decimal.NewFromInt(5), "USD", time.Hour)
	require.NoError(t, err)

	admin := domain.Actor{ID: uuid.New(), Role: domain.RoleAdmin}
	all, err := f.svc.ListPayments(context.Background(), admin, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 4, all.TotalCount)
	require.Len(t, all.Payments, 4)

	own, err := f.svc.ListPayments(context.Background(), domain.Actor{ID: f.merchant.ID, Role: domain.RoleMerchant}, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 3, own.TotalCount)
	require.Equal(t, 2, own.TotalPages)
	require.Len(t, own.Payments, 1)
	for _, p := range own.Payments {
		require.Equal(t, f.merchant.ID, p.MerchantID)
	}

	clamped, err := f.svc.ListPayments(context.Background(), admin, 0, 500)
	require.NoError(t, err)
	require.Equal(t, 1, clamped.Page)
	require.Equal(t, 100, clamped.PageSize)

	_, err = f.svc.ListPayments(context.Background(), domain.Actor{ID: f.customer.ID, Role: domain.RoleCustomer}, 1, 10)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestService_ListPaymentsPageOverflow(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "10", time.Hour)
	admin := domain.Actor{ID: uuid.New(), Role: domain.RoleAdmin}

	var tests = []struct {
		name     string
		page     int
		pageSize int
		wantErr  error
	}{
		{name: "offset wraps negative", page: math.MaxInt/10 + 2, pageSize: 10, wantErr: domain.ErrValidation},
		{name: "max page", page: math.MaxInt, pageSize: 100, wantErr: domain.ErrValidation},
		{name: "largest representable offset", page: math.MaxInt/10 + 1, pageSize: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := f.svc.ListPayments(context.Background(), admin, tt.page, tt.pageSize)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Empty(t, list.Payments)
			require.Equal(t, 1, list.TotalCount)
		})
	}
}

func TestService_SweepExpiredPayments(t *testing.T) {
	f := newFixture(t, nil)
	var short []domain.Payment
	for i := 0; i < 3; i++ {
		short = append(short, f.create(t, "10", time.Minute))
	}
	long := f.create(t, "10", 24*time.Hour)
	f.clock.Advance(5 * time.Minute)

	// Expire one through the read path first so the sweep races a finished CAS.
	_, err := f.svc.GetPayment(context.Background(), short[0].ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	counts := make([]int, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], _ = f.svc.SweepExpiredPayments(context.Background())
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	require.Equal(t, 2, total)
	for _, p := range short {
		require.Len(t, f.events(p.ID, domain.EventPaymentExpired), 1)
	}
	got, err := f.svc.GetPayment(context.Background(), long.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
}
