package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

const (
	ActionPaymentCreate        = "payment_create"
	ActionPaymentConfirm       = "payment_confirm"
	ActionPaymentConfirmFailed = "payment_confirm_failed"
	ActionPaymentCancel        = "payment_cancel"
	ActionPaymentExpired       = "payment_expired"
)

type Store interface {
	InsertAuditLog(ctx context.Context, entry domain.AuditEntry) error
	ListAuditLogs(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEntry, error)
}

// Service records audit entries. It never fails the caller: errors are
// logged and dropped.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

func (s *Service) Record(ctx context.Context, userID uuid.UUID, action string, paymentID *uuid.UUID, details any) {
	if s == nil {
		return
	}
	raw, err := json.Marshal(details)
	if err != nil {
		s.logger.Error("audit marshal failed", "action", action, "error", err)
		raw = []byte("{}")
	}
	entry := domain.AuditEntry{
		ID:        uuid.New(),
		UserID:    userID,
		PaymentID: paymentID,
		Action:    action,
		Details:   raw,
		Timestamp: s.now().UTC(),
	}
	if s.store != nil {
		// The business transaction has already committed; a cancelled
		// request context must not drop its audit row.
		if err := s.store.InsertAuditLog(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Error("audit insert failed", "action", action, "user_id", userID, "error", err)
			return
		}
	}
	s.logger.Info("audit", "action", action, "user_id", userID, "payment_id", paymentID)
}

// PaymentLogs returns the audit trail of one payment, newest first. Unlike
// Record, read failures are returned.
func (s *Service) PaymentLogs(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEntry, error) {
	entries, err := s.store.ListAuditLogs(ctx, paymentID)
	if err != nil {
		s.logger.Error("audit read failed", "payment_id", paymentID, "error", err)
		return nil, err
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}
