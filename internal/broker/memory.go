package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a buffered in-process queue implementing both Publisher and
// Consumer.
type Bus struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once

	acked    atomic.Int64
	nacked   atomic.Int64
	requeued atomic.Int64
}

func NewBus(size int) *Bus {
	return &Bus{ch: make(chan Message, size), done: make(chan struct{})}
}

func (b *Bus) Publish(ctx context.Context, msg Message) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Fetch(ctx context.Context) (Delivery, error) {
	select {
	case m := <-b.ch:
		return &busDelivery{b: b, m: m}, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (b *Bus) Len() int { return len(b.ch) }

func (b *Bus) Acked() int64 { return b.acked.Load() }

func (b *Bus) Nacked() int64 { return b.nacked.Load() }

func (b *Bus) Requeued() int64 { return b.requeued.Load() }

type busDelivery struct {
	b *Bus
	m Message
}

func (d *busDelivery) Message() Message { return d.m }

func (d *busDelivery) Ack(context.Context) error {
	d.b.acked.Add(1)
	return nil
}

func (d *busDelivery) Nack(ctx context.Context, requeue bool) error {
	d.b.nacked.Add(1)
	if !requeue {
		return nil
	}
	d.b.requeued.Add(1)
	return d.b.Publish(ctx, d.m)
}
