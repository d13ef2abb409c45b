package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/HassanAlkuheli/OurPay/internal/audit"
	"github.com/HassanAlkuheli/OurPay/internal/config"
	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/metrics"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	expiryReason    = "Automatic expiration"
)

type Service struct {
	store  Store
	cache  IdempotencyCache
	audit  Auditor
	logger *slog.Logger
	cfg    config.PaymentConfig
	now    func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now. Timestamps are always stored in UTC at
// microsecond precision.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, cache IdempotencyCache, auditor Auditor, logger *slog.Logger, cfg config.PaymentConfig, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cache:  cache,
		audit:  auditor,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
	if s.audit == nil {
		s.audit = nopAuditor{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, uuid.UUID, string, *uuid.UUID, any) {}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) CreatePayment(ctx context.Context, merchantID uuid.UUID, amount decimal.Decimal, currency string, ttl time.Duration) (*CreateResult, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if err := s.validateCreate(amount, currency, ttl); err != nil {
		return nil, err
	}
	if ttl == 0 {
		ttl = s.cfg.DefaultExpiration
	}

	merchant, err := s.store.GetUser(ctx, merchantID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, fmt.Errorf("merchant %s: %w", merchantID, domain.ErrNotFound)
		}
		return nil, err
	}
	if merchant.Role != domain.RoleMerchant {
		return nil, domain.Validationf("user %s is not a merchant", merchantID)
	}

	now := s.clock()
	p := domain.Payment{
		ID:         uuid.New(),
		MerchantID: merchantID,
		Amount:     amount,
		Currency:   currency,
		Status:     domain.StatusPending,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	link := s.paymentLink(p.ID)

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		evt, err := domain.NewWebhookEvent(domain.EventPaymentCreated, p, createdData{
			PaymentID:   p.ID,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Status:      p.Status,
			ExpiresAt:   p.ExpiresAt,
			PaymentLink: link,
		}, now)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, err
	}

	metrics.PaymentsCreated.Inc()
	s.audit.Record(ctx, merchantID, audit.ActionPaymentCreate, &p.ID, map[string]any{
		"amount":     p.Amount,
		"currency":   p.Currency,
		"expires_at": p.ExpiresAt,
	})
	s.logger.Info("payment created", "payment_id", p.ID, "merchant_id", merchantID, "amount", p.Amount.String(), "currency", p.Currency)

	return &CreateResult{Payment: p, Link: link}, nil
}

func (s *Service) validateCreate(amount decimal.Decimal, currency string, ttl time.Duration) error {
	if amount.LessThan(s.cfg.MinAmount) || amount.GreaterThan(s.cfg.MaxAmount) {
		return domain.Validationf("amount must be between %s and %s", s.cfg.MinAmount.StringFixed(2), s.cfg.MaxAmount.StringFixed(2))
	}
	if !amount.Equal(amount.Round(2)) {
		return domain.Validationf("amount must have at most 2 decimal places")
	}
	if !slices.Contains(s.cfg.SupportedCurrencies, currency) {
		return domain.Validationf("unsupported currency %q", currency)
	}
	if ttl < 0 || ttl > s.cfg.MaxExpiration {
		return domain.Validationf("expiration must be between 1 and %d minutes", int(s.cfg.MaxExpiration/time.Minute))
	}
	if ttl > 0 && ttl < time.Minute {
		return domain.Validationf("expiration must be at least 1 minute")
	}
	return nil
}

func (s *Service) paymentLink(id uuid.UUID) string {
	return fmt.Sprintf("%s/pay/%s", strings.TrimRight(s.cfg.BaseURL, "/"), id)
}

// GetPayment returns the payment, expiring it first when its deadline has
// passed while still pending.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.ExpiredAt(s.clock()) {
		return &p, nil
	}

	if _, err := s.expire(ctx, id, "read"); err != nil {
		return nil, err
	}
	p, err = s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// expire moves one payment to expired in its own transaction. It reports
// whether this call performed the transition.
func (s *Service) expire(ctx context.Context, id uuid.UUID, trigger string) (bool, error) {
	var (
		p       domain.Payment
		expired bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		expired, err = s.expireLocked(ctx, tx, p, s.clock())
		return err
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.afterExpire(ctx, p, trigger)
	}
	return expired, nil
}

// expireLocked performs the pending→expired CAS and appends its event. p
// must have been read through tx.
func (s *Service) expireLocked(ctx context.Context, tx Tx, p domain.Payment, now time.Time) (bool, error) {
	if !p.ExpiredAt(now) {
		return false, nil
	}
	ok, err := tx.TransitionPayment(ctx, Transition{ID: p.ID, From: domain.StatusPending, To: domain.StatusExpired, At: now})
	if err != nil || !ok {
		return false, err
	}
	evt, err := domain.NewWebhookEvent(domain.EventPaymentExpired, p, expiredData{
		PaymentID: p.ID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Status:    domain.StatusExpired,
		ExpiredAt: now,
		Reason:    expiryReason,
	}, now)
	if err != nil {
		return false, err
	}
	if err := tx.AppendEvent(ctx, evt); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) afterExpire(ctx context.Context, p domain.Payment, trigger string) {
	metrics.PaymentTransitions.WithLabelValues(string(domain.StatusExpired), trigger).Inc()
	s.audit.Record(ctx, p.MerchantID, audit.ActionPaymentExpired, &p.ID, map[string]any{
		"trigger": trigger,
		"reason":  expiryReason,
	})
	s.logger.Info("payment expired", "payment_id", p.ID, "trigger", trigger)
}

func idempotencyKey(paymentID uuid.UUID, key string) string {
	return fmt.Sprintf("payment_confirm:%s:%s", paymentID, key)
}

// ConfirmPayment settles a pending payment: the customer is debited, the
// merchant credited, the status set to success and a payment.confirmed event
// appended, all in one transaction. A repeated (payment, key) pair returns
// the first successful response without side effects.
func (s *Service) ConfirmPayment(ctx context.Context, id, customerID uuid.UUID, key string) (*Confirmation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.Validationf("idempotency key is required")
	}
	cacheKey := idempotencyKey(id, key)
	if c, ok := s.cachedConfirmation(ctx, cacheKey); ok {
		metrics.IdempotentReplays.Inc()
		return c, nil
	}

	now := s.clock()
	var (
		p       domain.Payment
		conf    *Confirmation
		expired bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(p.Status, domain.StatusSuccess) {
			return &domain.ConflictError{Current: p.Status}
		}
		if p.ExpiredAt(now) {
			// Commit the expiry and report it after the transaction.
			expired, err = s.expireLocked(ctx, tx, p, now)
			if err != nil {
				return err
			}
			if !expired {
				return &domain.ConflictError{Current: domain.StatusExpired}
			}
			return nil
		}
		if customerID == p.MerchantID {
			return domain.Validationf("merchant cannot confirm its own payment")
		}

		users, err := tx.LockUsers(ctx, customerID, p.MerchantID)
		if err != nil {
			return err
		}
		customer, ok := users[customerID]
		if !ok {
			return fmt.Errorf("customer %s: %w", customerID, domain.ErrNotFound)
		}
		merchant, ok := users[p.MerchantID]
		if !ok {
			return fmt.Errorf("merchant %s: %w", p.MerchantID, domain.ErrNotFound)
		}
		if customer.Balance.LessThan(p.Amount) {
			return fmt.Errorf("%w: required %s, available %s", domain.ErrInsufficientFunds, p.Amount.StringFixed(2), customer.Balance.StringFixed(2))
		}

		if err := tx.SetBalance(ctx, customer.ID, customer.Balance.Sub(p.Amount), now); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, merchant.ID, merchant.Balance.Add(p.Amount), now); err != nil {
			return err
		}
		ok, err = tx.TransitionPayment(ctx, Transition{
			ID:         p.ID,
			From:       domain.StatusPending,
			To:         domain.StatusSuccess,
			CustomerID: &customerID,
			At:         now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return &domain.ConflictError{Current: domain.StatusPending}
		}

		evt, err := domain.NewWebhookEvent(domain.EventPaymentConfirmed, p, confirmedData{
			PaymentID:   p.ID,
			CustomerID:  customerID,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Status:      domain.StatusSuccess,
			ProcessedAt: now,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}

		conf = &Confirmation{
			PaymentID:   p.ID,
			MerchantID:  p.MerchantID,
			CustomerID:  customerID,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Status:      domain.StatusSuccess,
			ProcessedAt: now,
		}
		return nil
	})
	if err != nil {
		s.rejectConfirm(ctx, id, customerID, err)
		return nil, err
	}
	if expired {
		s.afterExpire(ctx, p, "confirm")
		metrics.SettlementRejections.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrExpired)
	}

	metrics.PaymentTransitions.WithLabelValues(string(domain.StatusSuccess), "confirm").Inc()
	s.audit.Record(ctx, customerID, audit.ActionPaymentConfirm, &id, map[string]any{
		"merchant_id": p.MerchantID,
		"amount":      p.Amount,
		"currency":    p.Currency,
	})
	s.storeConfirmation(ctx, cacheKey, conf)
	s.logger.Info("payment confirmed", "payment_id", id, "customer_id", customerID, "amount", p.Amount.String())

	return conf, nil
}

func (s *Service) rejectConfirm(ctx context.Context, id, customerID uuid.UUID, err error) {
	var reason string
	switch {
	case domain.IsInsufficientFunds(err):
		reason = "insufficient_funds"
		s.audit.Record(ctx, customerID, audit.ActionPaymentConfirmFailed, &id, map[string]any{
			"reason": err.Error(),
		})
	case domain.IsConflict(err):
		reason = "conflict"
	case domain.IsNotFound(err):
		reason = "not_found"
	case domain.IsValidation(err):
		reason = "validation"
	default:
		reason = "error"
		s.logger.Error("confirm payment failed", "payment_id", id, "error", err)
	}
	metrics.SettlementRejections.WithLabelValues(reason).Inc()
}

// cachedConfirmation treats cache failures as a miss; the status CAS still
// prevents a second transfer.
func (s *Service) cachedConfirmation(ctx context.Context, key string) (*Confirmation, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var c Confirmation
	if err := json.Unmarshal(raw, &c); err != nil {
		s.logger.Warn("idempotency entry unreadable", "key", key, "error", err)
		return nil, false
	}
	return &c, true
}

func (s *Service) storeConfirmation(ctx context.Context, key string, c *Confirmation) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		s.logger.Error("idempotency marshal failed", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(context.WithoutCancel(ctx), key, raw, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn("idempotency store failed", "key", key, "error", err)
	}
}

// CancelPayment cancels a pending payment on behalf of its merchant or an
// admin. A pending payment past its deadline is expired instead.
func (s *Service) CancelPayment(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Payment, error) {
	now := s.clock()
	var (
		p       domain.Payment
		expired bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanCancel(p) {
			return fmt.Errorf("cancel payment %s: %w", id, domain.ErrForbidden)
		}
		if !domain.CanTransition(p.Status, domain.StatusCancelled) {
			return &domain.ConflictError{Current: p.Status}
		}
		if p.ExpiredAt(now) {
			expired, err = s.expireLocked(ctx, tx, p, now)
			if err != nil {
				return err
			}
			if !expired {
				return &domain.ConflictError{Current: domain.StatusExpired}
			}
			return nil
		}

		ok, err := tx.TransitionPayment(ctx, Transition{ID: p.ID, From: domain.StatusPending, To: domain.StatusCancelled, At: now})
		if err != nil {
			return err
		}
		if !ok {
			return &domain.ConflictError{Current: domain.StatusPending}
		}
		evt, err := domain.NewWebhookEvent(domain.EventPaymentCancelled, p, cancelledData{
			PaymentID:         p.ID,
			CancelledBy:       actor.Role,
			CancelledByUserID: actor.ID,
			Amount:            p.Amount,
			Currency:          p.Currency,
			Status:            domain.StatusCancelled,
			CancelledAt:       now,
		}, now)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.afterExpire(ctx, p, "cancel")
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrExpired)
	}

	p.Status = domain.StatusCancelled
	p.UpdatedAt = now
	metrics.PaymentTransitions.WithLabelValues(string(domain.StatusCancelled), "cancel").Inc()
	s.audit.Record(ctx, actor.ID, audit.ActionPaymentCancel, &id, map[string]any{
		"cancelled_by": actor.Role,
	})
	s.logger.Info("payment cancelled", "payment_id", id, "actor_id", actor.ID, "role", actor.Role)

	return &p, nil
}

// ListPayments pages through payments: every payment for admins, their own
// for merchants.
func (s *Service) ListPayments(ctx context.Context, actor domain.Actor, page, pageSize int) (*PaymentList, error) {
	var merchantID *uuid.UUID
	switch {
	case actor.CanListAll():
	case actor.CanListOwn():
		id := actor.ID
		merchantID = &id
	default:
		return nil, fmt.Errorf("list payments: %w", domain.ErrForbidden)
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	if page-1 > math.MaxInt/pageSize {
		return nil, domain.Validationf("page %d is out of range", page)
	}

	payments, total, err := s.store.ListPayments(ctx, merchantID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	return &PaymentList{
		Payments:   payments,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// SweepExpiredPayments expires up to one batch of overdue pending payments
// and returns how many this call transitioned.
func (s *Service) SweepExpiredPayments(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredPending(ctx, s.clock(), s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := s.expire(ctx, id, "sweep")
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		s.logger.Info("expired payments swept", "count", count)
	}
	return count, errors.Join(errs...)
}

// RunSweeper calls SweepExpiredPayments every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpiredPayments(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}
