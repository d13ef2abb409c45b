// Package broker carries outbox events from the relay to the webhook
// dispatcher. Kafka is the production transport; Bus is an in-process
// stand-in with the same acknowledgement semantics.
package broker

import (
	"context"
	"errors"
)

const (
	HeaderEventType = "event-type"
	HeaderEventID   = "event-id"
)

var ErrClosed = errors.New("broker: closed")

type Message struct {
	Key     string
	Headers map[string]string
	Body    []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one received message. Exactly one of Ack or Nack should be
// called.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	// Nack gives the message up; with requeue it will be delivered again.
	Nack(ctx context.Context, requeue bool) error
}

type Consumer interface {
	Fetch(ctx context.Context) (Delivery, error)
	Close() error
}
