package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

type CreateResult struct {
	Payment domain.Payment `json:"payment"`
	Link    string         `json:"payment_link"`
}

// Confirmation is the cached response of a successful ConfirmPayment.
type Confirmation struct {
	PaymentID   uuid.UUID       `json:"payment_id"`
	MerchantID  uuid.UUID       `json:"merchant_id"`
	CustomerID  uuid.UUID       `json:"customer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      domain.Status   `json:"status"`
	ProcessedAt time.Time       `json:"processed_at"`
}

type PaymentList struct {
	Payments   []domain.Payment `json:"payments"`
	TotalCount int              `json:"total_count"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	TotalPages int              `json:"total_pages"`
}

// Webhook data payloads; field names are part of the merchant-facing contract.

type createdData struct {
	PaymentID   uuid.UUID       `json:"paymentId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      domain.Status   `json:"status"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	PaymentLink string          `json:"paymentLink"`
}

type confirmedData struct {
	PaymentID   uuid.UUID       `json:"paymentId"`
	CustomerID  uuid.UUID       `json:"customerId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      domain.Status   `json:"status"`
	ProcessedAt time.Time       `json:"processedAt"`
}

type cancelledData struct {
	PaymentID         uuid.UUID       `json:"paymentId"`
	CancelledBy       domain.Role     `json:"cancelledBy"`
	CancelledByUserID uuid.UUID       `json:"cancelledByUserId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            domain.Status   `json:"status"`
	CancelledAt       time.Time       `json:"cancelledAt"`
}

type expiredData struct {
	PaymentID uuid.UUID       `json:"paymentId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    domain.Status   `json:"status"`
	ExpiredAt time.Time       `json:"expiredAt"`
	Reason    string          `json:"reason"`
}
