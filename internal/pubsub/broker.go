package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// subscriber pairs a delivery channel with its teardown signal. inflight
// counts publishers that snapshotted this subscriber and may still send;
// the channel is closed only after it drains to zero, so a send never
// races a close.
type subscriber[T any] struct {
	ch       chan Event[T]
	done     chan struct{}
	inflight sync.WaitGroup
}

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
type Broker[T any] struct {
	subs       map[*subscriber[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[*subscriber[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Check if broker is closed
	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := &subscriber[T]{
		ch:   make(chan Event[T], b.bufferSize),
		done: make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	// Cleanup goroutine. Removing the subscriber needs only a brief
	// critical section: pending sends are unblocked through sub.done, and
	// the channel is closed once the last of them has let go.
	go func() {
		<-ctx.Done()

		b.mu.Lock()
		select {
		case <-b.done:
			b.mu.Unlock()
			return // Close owns the channels now
		default:
		}
		delete(b.subs, sub)
		b.mu.Unlock()

		close(sub.done)
		sub.inflight.Wait()
		close(sub.ch)
	}()

	return sub.ch
}

// snapshot collects the current subscribers, marking each with a pending
// delivery. Callers must Done every returned subscriber exactly once.
func (b *Broker[T]) snapshot() []*subscriber[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return nil
	default:
	}

	subs := make([]*subscriber[T], 0, len(b.subs))
	for sub := range b.subs {
		sub.inflight.Add(1)
		subs = append(subs, sub)
	}
	return subs
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events if subscriber channel is full. Use PublishSync
// for events that must not be dropped (state changes).
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, sub := range b.snapshot() {
		select {
		case sub.ch <- event:
			// Delivered
		default:
			// Channel full - drop to prevent blocking
		}
		sub.inflight.Done()
	}
}

// PublishSync sends an event to all subscribers, blocking per subscriber until
// the event is accepted, the subscriber unsubscribes, the context is
// cancelled, or the broker closes. State-change events go through here so
// slow subscribers cannot lose them. No lock is held while blocked, so a
// parked publisher never wedges Subscribe, unsubscribe cleanup, or Close.
func (b *Broker[T]) PublishSync(ctx context.Context, eventType EventType, payload T) {
	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	stopped := false
	for _, sub := range b.snapshot() {
		if !stopped {
			select {
			case sub.ch <- event:
			case <-sub.done:
				// Subscriber is unsubscribing; skip it.
			case <-ctx.Done():
				stopped = true
			case <-b.done:
				stopped = true
			}
		}
		sub.inflight.Done()
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return // Already closed
	default:
	}
	close(b.done)
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	// Pending sends abandon on b.done; close each channel once drained.
	for sub := range subs {
		sub.inflight.Wait()
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
