package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// Run drives the execution workers and the periodic backup loop until ctx
// is cancelled. At most maxConcurrentExecutions tasks run at once.
func (c *Coordinator) Run(ctx context.Context) {
	workers := c.cfg.MaxConcurrentExecutions
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("lifecycle-worker-%d", i)
		log.SafeGo(name, func() { c.worker(ctx) })
	}
	log.SafeGo("lifecycle-backup", func() { c.backupLoop(ctx) })
}

// worker pulls ready tasks and executes them one at a time.
func (c *Coordinator) worker(ctx context.Context) {
	for {
		taskID, err := c.queue.Pop(ctx)
		if err != nil {
			return
		}
		c.updateQueueGauge()
		c.execute(ctx, taskID)
	}
}

// execute runs one task end to end: assignment, in_progress, then waiting
// for the agent's terminal report or the execution timeout.
func (c *Coordinator) execute(ctx context.Context, taskID string) {
	task, ok := c.GetTask(taskID)
	if !ok || task.Status != StatusPending {
		return
	}

	agentID, err := c.agents.Assign(ctx, taskID, task.RequiredCapabilities)
	if err != nil {
		if oerr.IsKind(err, oerr.ResourceExhausted) {
			// Parked on the orchestrator's pending queue; a registration
			// or heartbeat will requeue it. The delayed push is a
			// backstop against a quiet registry.
			c.requeueLater(ctx, taskID)
			return
		}
		log.Warn(log.CatLifecycle, "Assignment failed", "taskId", taskID, "error", err)
		c.requeueLater(ctx, taskID)
		return
	}

	c.setAssigned(taskID, agentID)
	if err := c.Transition(ctx, taskID, StatusInProgress, "assigned", agentID, true); err != nil {
		c.agents.Release(ctx, taskID, "failed")
		log.Warn(log.CatLifecycle, "Could not start assigned task", "taskId", taskID, "error", err)
		return
	}

	done := c.registerWaiter(taskID)
	c.met.RunningExecutions.Inc()
	defer c.met.RunningExecutions.Dec()
	defer c.dropWaiter(taskID)

	timeout := time.NewTimer(c.cfg.ExecutionTimeout)
	defer timeout.Stop()

	select {
	case final := <-done:
		log.Debug(log.CatLifecycle, "Task finished", "taskId", taskID, "status", final)
	case <-timeout.C:
		err := oerr.E(oerr.Timeout, "lifecycle", "execute", "execution deadline exceeded").
			WithEntities(taskID)
		if terr := c.Transition(ctx, taskID, StatusFailed, err.Error(), "coordinator", true); terr != nil {
			log.Warn(log.CatLifecycle, "Timeout transition failed", "taskId", taskID, "error", terr)
		}
	case <-ctx.Done():
	}
}

// requeueLater re-offers an unassignable task after the configured delay.
func (c *Coordinator) requeueLater(ctx context.Context, taskID string) {
	delay := c.cfg.RequeueDelay
	if delay <= 0 {
		delay = time.Second
	}
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		task, ok := c.GetTask(taskID)
		if !ok || task.Status != StatusPending {
			return
		}
		if err := c.queue.Push(ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn(log.CatLifecycle, "Delayed requeue failed", "taskId", taskID, "error", err)
		}
		c.updateQueueGauge()
	})
}

// setAssigned records the executing agent on the task.
func (c *Coordinator) setAssigned(taskID, agentID string) {
	ws := c.stateForTask(taskID)
	if ws == nil {
		return
	}
	ws.mu.Lock()
	if t, ok := ws.wf.Tasks[taskID]; ok {
		t.AssignedAgent = agentID
	}
	ws.mu.Unlock()
}

// registerWaiter returns a channel that receives the task's terminal status.
func (c *Coordinator) registerWaiter(taskID string) <-chan TaskStatus {
	ch := make(chan TaskStatus, 1)
	c.execMu.Lock()
	c.waiters[taskID] = ch
	c.execMu.Unlock()
	return ch
}

func (c *Coordinator) dropWaiter(taskID string) {
	c.execMu.Lock()
	delete(c.waiters, taskID)
	c.execMu.Unlock()
}

// registerAck returns a channel closed when the task reaches a terminal
// state, used to wait out cooperative cancellation.
func (c *Coordinator) registerAck(taskID string) <-chan struct{} {
	ch := make(chan struct{})
	c.execMu.Lock()
	c.acks[taskID] = ch
	c.execMu.Unlock()
	return ch
}

func (c *Coordinator) dropAck(taskID string, ch <-chan struct{}) {
	c.execMu.Lock()
	if cur, ok := c.acks[taskID]; ok && cur == ch {
		delete(c.acks, taskID)
	}
	c.execMu.Unlock()
}

// notifyTerminal wakes the executor waiter and any cancellation ack.
func (c *Coordinator) notifyTerminal(taskID string, final TaskStatus) {
	c.execMu.Lock()
	if ch, ok := c.waiters[taskID]; ok {
		select {
		case ch <- final:
		default:
		}
	}
	if ack, ok := c.acks[taskID]; ok {
		close(ack)
		delete(c.acks, taskID)
	}
	c.execMu.Unlock()
}

// TryNextReady pops the next ready task without blocking, for agents
// claiming work directly.
func (c *Coordinator) TryNextReady() (string, bool) {
	taskID, ok := c.queue.TryPop()
	if ok {
		c.updateQueueGauge()
	}
	return taskID, ok
}

// Withdraw removes a task from the ready queue, used when an agent claims
// a specific queued task out of band.
func (c *Coordinator) Withdraw(taskID string) {
	c.queue.Remove(taskID)
	c.updateQueueGauge()
}

// QueueLen reports the current ready-queue depth.
func (c *Coordinator) QueueLen() int {
	return c.queue.Len()
}
