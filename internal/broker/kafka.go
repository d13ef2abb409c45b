package broker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/HassanAlkuheli/OurPay/internal/domain"
)

type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher hashes on the message key so every event of one
// merchant lands on the same partition.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: newWriter(brokers, topic)}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.w.WriteMessages(ctx, toKafka(msg)); err != nil {
		return domain.Infra("kafka publish", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

func toKafka(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{Key: []byte(msg.Key), Value: msg.Body, Headers: headers}
}

func fromKafka(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{Key: string(m.Key), Headers: headers, Body: m.Value}
}

// KafkaConsumer reads through a consumer group. Offsets are committed
// explicitly, so a message is redelivered unless it was acked.
type KafkaConsumer struct {
	r       *kafka.Reader
	requeue *kafka.Writer
}

func NewKafkaConsumer(brokers []string, topic, groupID string) *KafkaConsumer {
	return &KafkaConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
		}),
		requeue: newWriter(brokers, topic),
	}
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Delivery, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Infra("kafka fetch", err)
	}
	return &kafkaDelivery{c: c, m: m}, nil
}

func (c *KafkaConsumer) Close() error {
	rerr := c.r.Close()
	if err := c.requeue.Close(); err != nil {
		return err
	}
	return rerr
}

type kafkaDelivery struct {
	c *KafkaConsumer
	m kafka.Message
}

func (d *kafkaDelivery) Message() Message { return fromKafka(d.m) }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	if err := d.c.r.CommitMessages(ctx, d.m); err != nil {
		return domain.Infra("kafka commit", err)
	}
	return nil
}

// Nack with requeue produces the message to the end of the topic before
// committing the original offset; Kafka has no per-message negative ack.
func (d *kafkaDelivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		if err := d.c.requeue.WriteMessages(ctx, toKafka(d.Message())); err != nil {
			return domain.Infra("kafka requeue", err)
		}
	}
	return d.Ack(ctx)
}
