// Package queue provides the bounded FIFO queue of ready task IDs feeding
// the execution workers.
package queue

import (
	"context"
	"sync"
)

// DefaultCapacity is used when the configured capacity is not positive.
const DefaultCapacity = 256

// TaskQueue is a thread-safe bounded FIFO of ready task IDs. Push blocks
// while the queue is full, giving producers backpressure; Pop blocks while
// it is empty. A task is never queued twice concurrently, and queued tasks
// can be withdrawn before a worker picks them up.
type TaskQueue struct {
	ch chan string

	mu      sync.Mutex
	queued  map[string]bool
	removed map[string]bool
}

// New creates a TaskQueue holding at most capacity task IDs.
func New(capacity int) *TaskQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TaskQueue{
		ch:      make(chan string, capacity),
		queued:  make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// Push appends taskID, blocking while the queue is full. Pushing a task
// that is already queued is a no-op. Returns ctx.Err() if the context is
// cancelled while waiting for a slot.
func (q *TaskQueue) Push(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if q.queued[taskID] {
		// Re-arm a pending withdrawal so the existing entry is delivered.
		delete(q.removed, taskID)
		q.mu.Unlock()
		return nil
	}
	q.queued[taskID] = true
	q.mu.Unlock()

	select {
	case q.ch <- taskID:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.queued, taskID)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Pop removes and returns the task ID at the front of the queue, blocking
// while it is empty. Withdrawn entries are skipped.
func (q *TaskQueue) Pop(ctx context.Context) (string, error) {
	for {
		select {
		case taskID := <-q.ch:
			q.mu.Lock()
			delete(q.queued, taskID)
			if q.removed[taskID] {
				delete(q.removed, taskID)
				q.mu.Unlock()
				continue
			}
			q.mu.Unlock()
			return taskID, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// TryPop is the non-blocking variant of Pop.
func (q *TaskQueue) TryPop() (string, bool) {
	for {
		select {
		case taskID := <-q.ch:
			q.mu.Lock()
			delete(q.queued, taskID)
			if q.removed[taskID] {
				delete(q.removed, taskID)
				q.mu.Unlock()
				continue
			}
			q.mu.Unlock()
			return taskID, true
		default:
			return "", false
		}
	}
}

// Remove withdraws a queued task so workers will not execute it. Removing
// a task that is not queued is a no-op.
func (q *TaskQueue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[taskID] {
		q.removed[taskID] = true
	}
}

// Len returns the number of task IDs currently waiting.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.queued) - len(q.removed)
	if n < 0 {
		return 0
	}
	return n
}
