package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	EventPaymentCreated   = "payment.created"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentExpired   = "payment.expired"
	EventPaymentFailed    = "payment.failed"
)

var AllEventTypes = []string{
	EventPaymentCreated,
	EventPaymentConfirmed,
	EventPaymentCancelled,
	EventPaymentExpired,
	EventPaymentFailed,
}

func ValidEventType(t string) bool {
	return slices.Contains(AllEventTypes, t)
}

// WebhookEvent is an outbox row. It is only ever written in the transaction
// that performs the mutation it describes.
type WebhookEvent struct {
	ID          uuid.UUID       `json:"id"`
	PaymentID   uuid.UUID       `json:"payment_id"`
	MerchantID  uuid.UUID       `json:"merchant_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// NewWebhookEvent builds an outbox row for p with data marshalled as payload.
func NewWebhookEvent(eventType string, p Payment, data any, at time.Time) (WebhookEvent, error) {
	if !ValidEventType(eventType) {
		return WebhookEvent{}, Validationf("unknown event type %q", eventType)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return WebhookEvent{}, err
	}
	return WebhookEvent{
		ID:         uuid.New(),
		PaymentID:  p.ID,
		MerchantID: p.MerchantID,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  at,
	}, nil
}

type Subscription struct {
	ID         uuid.UUID `json:"id"`
	MerchantID uuid.UUID `json:"merchant_id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	Secret     string    `json:"-"`
}

func (s Subscription) Matches(merchantID uuid.UUID, eventType string) bool {
	return s.Active && s.MerchantID == merchantID && slices.Contains(s.EventTypes, eventType)
}

type DeliveryAttempt struct {
	ID             uuid.UUID     `json:"id"`
	EventID        uuid.UUID     `json:"event_id"`
	SubscriptionID uuid.UUID     `json:"subscription_id"`
	URL            string        `json:"url"`
	AttemptNumber  int           `json:"attempt_number"`
	StatusCode     int           `json:"status_code"`
	Success        bool          `json:"success"`
	Latency        time.Duration `json:"latency"`
	Error          string        `json:"error,omitempty"`
	ResponseBody   string        `json:"response_body,omitempty"`
	AttemptedAt    time.Time     `json:"attempted_at"`
}

type AuditEntry struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	PaymentID *uuid.UUID      `json:"payment_id,omitempty"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
}
