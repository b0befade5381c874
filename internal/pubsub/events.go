// Package pubsub provides a generic fan-out broker for homogeneous
// streams (log lines, output chunks). Topic-addressed domain events live
// on the bus package instead; this one is for tailing.
package pubsub

import (
	"context"
	"time"
)

// Event is one delivered payload with its publication time.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Listener wraps a broker subscription for consumers that poll for the
// next event (log tails, bridge forwarders).
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to the broker. The subscription is cleaned up
// when the context is cancelled.
func NewListener[T any](ctx context.Context, broker *Broker[T]) *Listener[T] {
	return &Listener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until an event arrives, the channel closes, or the context
// is cancelled. The boolean is false when no more events will arrive.
func (l *Listener[T]) Next() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		var zero Event[T]
		return zero, false
	case event, ok := <-l.ch:
		if !ok {
			var zero Event[T]
			return zero, false
		}
		return event, true
	}
}
