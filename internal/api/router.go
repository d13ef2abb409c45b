// Package api exposes the payment operations over HTTP. Caller identity is
// taken from the X-User-ID and X-User-Role headers set by the auth gateway.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/justinas/alice"
	"github.com/rs/cors"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/payment"
)

// AuditReader serves the per-payment audit trail.
type AuditReader interface {
	PaymentLogs(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEntry, error)
}

type Deps struct {
	Payments       payment.ServiceContract
	Audit          AuditReader
	Health         http.HandlerFunc
	Metrics        http.Handler
	Admission      alice.Constructor
	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

// NewRouter wires the public routes. Health and metrics bypass admission
// control so they keep answering under load.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dec := NewDecoder(d.MaxBodyBytes)

	c := cors.New(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", HeaderIdempotencyKey, HeaderUserID, HeaderUserRole},
	})

	standard := alice.New(recoverPanic(logger), logRequest(logger), c.Handler)
	if d.Admission != nil {
		standard = standard.Append(d.Admission)
	}
	merchant := alice.New(requireRole(domain.RoleMerchant))
	customer := alice.New(requireRole(domain.RoleCustomer))
	manager := alice.New(requireRole(domain.RoleMerchant, domain.RoleAdmin))
	admin := alice.New(requireRole(domain.RoleAdmin))

	api := http.NewServeMux()
	api.Handle("POST /api/v1/payments", merchant.Then(createPaymentHandler(d.Payments, dec, logger)))
	api.Handle("GET /api/v1/payments", manager.Then(listPaymentsHandler(d.Payments, logger)))
	api.Handle("GET /api/v1/payments/{id}", getPaymentHandler(d.Payments, logger))
	api.Handle("POST /api/v1/payments/{id}/confirm", customer.Then(confirmPaymentHandler(d.Payments, dec, logger)))
	api.Handle("POST /api/v1/payments/{id}/cancel", manager.Then(cancelPaymentHandler(d.Payments, logger)))
	if d.Audit != nil {
		api.Handle("GET /api/v1/logs/{id}", admin.Then(paymentLogsHandler(d.Audit, logger)))
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", standard.Then(api))
	if d.Health != nil {
		mux.Handle("GET /healthz", d.Health)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	return mux
}
