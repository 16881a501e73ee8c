package pubsub

import (
	"context"
)

// ContinuousListener wraps a broker subscription with a blocking receive.
// It is the server-side counterpart to a raw Subscribe channel: callers that
// want a simple "next event or context cancelled" loop use this instead of
// selecting on the channel themselves.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener creates a new listener that subscribes to the broker.
// The subscription is automatically cleaned up when the context is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until an event arrives, the listener's context is cancelled,
// or the subscription channel closes. The second return value is false when
// no more events will be delivered.
func (l *ContinuousListener[T]) Next() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		return Event[T]{}, false
	case event, ok := <-l.ch:
		if !ok {
			return Event[T]{}, false
		}
		return event, true
	}
}

// Events exposes the underlying subscription channel for callers that need
// to select across multiple sources.
func (l *ContinuousListener[T]) Events() <-chan Event[T] {
	return l.ch
}
