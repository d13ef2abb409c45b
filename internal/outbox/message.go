package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HassanAlkuheli/OurPay/internal/broker"
	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

// Envelope is the broker body for one outbox row.
type Envelope struct {
	EventID    uuid.UUID       `json:"eventId"`
	EventType  string          `json:"eventType"`
	PaymentID  uuid.UUID       `json:"paymentId"`
	MerchantID uuid.UUID       `json:"merchantId"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

func NewMessage(e domain.WebhookEvent) (broker.Message, error) {
	body, err := json.Marshal(Envelope{
		EventID:    e.ID,
		EventType:  e.EventType,
		PaymentID:  e.PaymentID,
		MerchantID: e.MerchantID,
		Timestamp:  e.CreatedAt,
		Data:       e.Payload,
	})
	if err != nil {
		return broker.Message{}, err
	}
	return broker.Message{
		Key: e.MerchantID.String(),
		Headers: map[string]string{
			broker.HeaderEventType: e.EventType,
			broker.HeaderEventID:   e.ID.String(),
		},
		Body: body,
	}, nil
}

func ParseMessage(m broker.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode outbox envelope: %w", err)
	}
	if env.EventID == uuid.Nil {
		return Envelope{}, fmt.Errorf("decode outbox envelope: missing eventId")
	}
	return env, nil
}
