package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

type errorBody struct {
	Error         string        `json:"error"`
	Message       string        `json:"message"`
	CurrentStatus domain.Status `json:"current_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Anything it
// does not recognise is logged and reported as a generic 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "CONFLICT", Message: conflict.Error(), CurrentStatus: conflict.Current})
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "VALIDATION_ERROR", Message: err.Error()})
	case domain.IsForbidden(err):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "FORBIDDEN", Message: err.Error()})
	case domain.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND", Message: err.Error()})
	case domain.IsExpired(err):
		writeJSON(w, http.StatusGone, errorBody{Error: "PAYMENT_EXPIRED", Message: err.Error()})
	case domain.IsInsufficientFunds(err):
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: "INSUFFICIENT_FUNDS", Message: err.Error()})
	case domain.IsConflict(err):
		writeJSON(w, http.StatusConflict, errorBody{Error: "CONFLICT", Message: err.Error()})
	default:
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "INTERNAL_ERROR", Message: "internal error"})
	}
}
