package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// recoveredReason annotates transitions applied by startup recovery.
const recoveredReason = "recovered_from_crash"

// persist writes the workflow document, retrying once on failure. A second
// failure surfaces the error; callers halt the affected workflow, not the
// process.
func (c *Coordinator) persist(ctx context.Context, wf Workflow) error {
	op := func() error {
		return c.store.Put(wf.WorkflowID, wf)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return oerr.E(oerr.Internal, "lifecycle", "persist", "writing workflow document").
			WithEntities(wf.WorkflowID).Wrap(err)
	}
	return nil
}

// backupLoop re-persists every workflow on the configured interval, a
// safety net under the per-transition writes.
func (c *Coordinator) backupLoop(ctx context.Context) {
	if c.cfg.BackupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.BackupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, wf := range c.ListWorkflows() {
				if err := c.persist(ctx, wf); err != nil {
					log.Warn(log.CatLifecycle, "Periodic backup failed",
						"workflowId", wf.WorkflowID, "error", err)
				}
			}
		}
	}
}

// LoadPersisted scans the workflow directory and reconstructs in-memory
// state. Tasks caught in_progress by a crash are revived to pending with an
// annotated transition, and the ready set re-enqueued.
func (c *Coordinator) LoadPersisted(ctx context.Context) error {
	keys, err := c.store.Keys()
	if err != nil {
		return err
	}

	now := c.clock.Now()

	for _, key := range keys {
		var wf Workflow
		if err := c.store.Get(key, &wf); err != nil {
			log.Warn(log.CatLifecycle, "Skipping unreadable workflow document",
				"key", key, "error", err)
			continue
		}
		if wf.Tasks == nil {
			wf.Tasks = make(map[string]*Task)
		}

		recovered := false
		for _, id := range wf.TaskOrder {
			t, ok := wf.Tasks[id]
			if !ok || t.Status != StatusInProgress {
				continue
			}
			// Two recorded hops keep the revival legal under the
			// transition table.
			for _, to := range []TaskStatus{StatusFailed, StatusPending} {
				wf.History = append(wf.History, TransitionRecord{
					TaskID: id,
					Transition: Transition{
						From: t.Status, To: to, Timestamp: now,
						Reason: recoveredReason, TriggeredBy: "coordinator", IsAutomated: true,
					},
				})
				t.Status = to
			}
			t.UpdatedAt = now
			t.AssignedAgent = ""
			recovered = true
		}
		if len(wf.History) > c.cfg.MaxWorkflowHistory {
			wf.History = wf.History[len(wf.History)-c.cfg.MaxWorkflowHistory:]
		}

		ws := &workflowState{wf: &wf}
		c.mu.Lock()
		c.workflows[wf.WorkflowID] = ws
		for _, id := range wf.TaskOrder {
			c.taskIndex[id] = wf.WorkflowID
		}
		c.mu.Unlock()

		if recovered {
			if err := c.persist(ctx, wf.clone()); err != nil {
				return err
			}
			c.emitWorkflow(ctx, wf.clone(), events.WorkflowRecovered)
			log.Info(log.CatLifecycle, "Recovered workflow from crash",
				"workflowId", wf.WorkflowID)
		}
		if !wf.Status.Terminal() {
			c.enqueueReady(ctx, wf.WorkflowID)
		}
	}
	return nil
}
