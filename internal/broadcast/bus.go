// Package broadcast carries fan-out deliveries from the services that decide
// who receives an event to the hub that owns the live connections.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
)

// Delivery is one encoded event addressed to a set of connections.
type Delivery struct {
	Conns   []string        `json:"conns,omitempty"`
	All     bool            `json:"all,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Handler consumes deliveries in the order they were published.
type Handler func(Delivery)

// Bus is a FIFO pipe of deliveries. Publish returns once the delivery is
// ordered behind every earlier one, so callers that serialize their own
// publishes get the same order out of Run.
type Bus interface {
	Publish(ctx context.Context, d Delivery) error
	Run(ctx context.Context, handle Handler) error
	Close() error
}

var ErrClosed = errors.New("broadcast: bus closed")

// Empty reports whether the delivery addresses nobody.
func (d Delivery) Empty() bool {
	return !d.All && len(d.Conns) == 0
}

// LocalBus keeps deliveries in process.
type LocalBus struct {
	ch     chan Delivery
	closed chan struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		ch:     make(chan Delivery),
		closed: make(chan struct{}),
	}
}

func (b *LocalBus) Publish(ctx context.Context, d Delivery) error {
	if d.Empty() {
		return nil
	}
	select {
	case b.ch <- d:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case d := <-b.ch:
			handle(d)
		case <-b.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *LocalBus) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}
