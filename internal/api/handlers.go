package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
	"github.com/HassanAlkuheli/OurPay/internal/payment"
)

// maxTTLMinutes is the largest minute count that still fits a time.Duration.
const maxTTLMinutes = math.MaxInt64 / int64(time.Minute)

type createPaymentRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	ExpiresInMinutes int             `json:"expires_in_minutes"`
}

type confirmPaymentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, domain.Validationf("invalid payment id %q", r.PathValue("id"))
	}
	return id, nil
}

func createPaymentHandler(svc payment.ServiceContract, dec *Decoder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPaymentRequest
		if err := dec.Decode(w, r, &req); err != nil {
			writeError(w, logger, r, domain.Validationf("%v", err))
			return
		}

		if req.ExpiresInMinutes < 0 || int64(req.ExpiresInMinutes) > maxTTLMinutes {
			writeError(w, logger, r, domain.Validationf("expires_in_minutes %d is out of range", req.ExpiresInMinutes))
			return
		}

		actor, _ := ActorFrom(r.Context())
		ttl := time.Duration(req.ExpiresInMinutes) * time.Minute
		res, err := svc.CreatePayment(r.Context(), actor.ID, req.Amount, req.Currency, ttl)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, res)
	}
}

func getPaymentHandler(svc payment.ServiceContract, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		p, err := svc.GetPayment(r.Context(), id)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		writeJSON(w, http.StatusOK, p)
	}
}

// confirmPaymentHandler takes the idempotency key from the Idempotency-Key
// header, falling back to the request body.
func confirmPaymentHandler(svc payment.ServiceContract, dec *Decoder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			var req confirmPaymentRequest
			if err := dec.Decode(w, r, &req); err != nil {
				writeError(w, logger, r, domain.Validationf("%v", err))
				return
			}
			key = req.IdempotencyKey
		}

		actor, _ := ActorFrom(r.Context())
		res, err := svc.ConfirmPayment(r.Context(), id, actor.ID, key)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func cancelPaymentHandler(svc payment.ServiceContract, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		actor, _ := ActorFrom(r.Context())
		p, err := svc.CancelPayment(r.Context(), id, actor)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		writeJSON(w, http.StatusOK, p)
	}
}

func listPaymentsHandler(svc payment.ServiceContract, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := queryInt(r, "page")
		if err != nil {
			writeError(w, logger, r, err)
			return
		}
		pageSize, err := queryInt(r, "page_size")
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		actor, _ := ActorFrom(r.Context())
		list, err := svc.ListPayments(r.Context(), actor, page, pageSize)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		writeJSON(w, http.StatusOK, list)
	}
}

// paymentLogsHandler lists the audit trail of one payment.
func paymentLogsHandler(audit AuditReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		entries, err := audit.PaymentLogs(r.Context(), id)
		if err != nil {
			writeError(w, logger, r, err)
			return
		}

		writeJSON(w, http.StatusOK, entries)
	}
}

// queryInt returns 0 for an absent parameter so the service applies its default.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Validationf("%s must be an integer", name)
	}
	return v, nil
}
