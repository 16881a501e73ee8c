package agent

import (
	"context"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// Claim release reasons, used as the metrics label.
const (
	ReleaseCompleted    = "completed"
	ReleaseFailed       = "failed"
	ReleaseCancelled    = "cancelled"
	ReleaseExpired      = "expired"
	ReleaseAgentOffline = "agent_offline"
	ReleaseAgentGone    = "agent_deregistered"
)

// ClaimTask lets an agent claim a specific task directly, the pull side of
// the protocol. The claim carries the same TTL as orchestrator-driven
// assignments.
func (o *Orchestrator) ClaimTask(ctx context.Context, agentID, taskID string, required []string) (Claim, error) {
	now := o.clock.Now()

	o.mu.Lock()
	a, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return Claim{}, oerr.E(oerr.NotFound, "agent", "ClaimTask", "agent not found").WithEntities(agentID)
	}
	if a.Status == StatusOffline {
		o.mu.Unlock()
		return Claim{}, oerr.E(oerr.Conflict, "agent", "ClaimTask", "agent is offline").WithEntities(agentID)
	}
	if !a.HasCapacity() {
		o.mu.Unlock()
		return Claim{}, oerr.E(oerr.ResourceExhausted, "agent", "ClaimTask", "agent at concurrency limit").
			WithEntities(agentID).WithMeta("maxConcurrentTasks", a.MaxConcurrentTasks)
	}
	if !a.CanHandle(required) {
		o.mu.Unlock()
		return Claim{}, oerr.E(oerr.Validation, "agent", "ClaimTask", "agent lacks required capabilities").
			WithEntities(agentID, taskID)
	}
	if existing, held := o.claims[taskID]; held {
		if !existing.Expired(now) {
			holder := existing.AgentID
			o.mu.Unlock()
			return Claim{}, oerr.E(oerr.Conflict, "agent", "ClaimTask", "task already claimed").
				WithEntities(taskID).WithMeta("claimedBy", holder)
		}
		// Taking over a lapsed claim frees the previous holder's slot.
		if prev, live := o.agents[existing.AgentID]; live {
			prev.removeTask(taskID)
		}
	}

	claim := &Claim{
		TaskID:    taskID,
		AgentID:   agentID,
		ClaimedAt: now,
		ExpiresAt: now.Add(o.claimTTL),
	}
	o.claims[taskID] = claim
	a.addTask(taskID)
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		return Claim{}, err
	}

	o.updateAgentGauges()
	o.emit(ctx, events.AgentEvent{
		Type: events.AgentClaimed, AgentID: agentID, TaskID: taskID, Timestamp: now,
	})
	return *claim, nil
}

// GetClaim returns the claim currently held on taskID, if any.
func (o *Orchestrator) GetClaim(taskID string) (Claim, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.claims[taskID]
	if !ok {
		return Claim{}, false
	}
	return *c, true
}

// ReleaseClaim drops the claim on taskID and frees the holding agent's
// slot. Releasing an unclaimed task is a no-op.
func (o *Orchestrator) ReleaseClaim(ctx context.Context, taskID, reason string) {
	now := o.clock.Now()

	o.mu.Lock()
	c, ok := o.claims[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.claims, taskID)
	agentID := c.AgentID
	if a, live := o.agents[agentID]; live {
		a.removeTask(taskID)
		if len(a.CurrentTasks) == 0 {
			a.CurrentActivity = ActivityIdle
			a.ActivityStartTime = now
		}
	}
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		log.Warn(log.CatAgent, "Failed to persist registry after claim release",
			"taskId", taskID, "error", err)
	}

	o.met.ClaimsReleased.WithLabelValues(reason).Inc()
	o.updateAgentGauges()
	o.emit(ctx, events.AgentEvent{
		Type: events.AgentClaimReleased, AgentID: agentID, TaskID: taskID, Timestamp: now,
	})
}

// releaseAgentClaimsLocked drops every claim held by a and returns the
// affected task IDs. Callers hold o.mu and handle requeue + metrics.
func (o *Orchestrator) releaseAgentClaimsLocked(a *Agent) []string {
	var released []string
	for taskID, c := range o.claims {
		if c.AgentID == a.AgentID {
			delete(o.claims, taskID)
			released = append(released, taskID)
		}
	}
	a.CurrentTasks = nil
	if a.Status == StatusBusy {
		a.Status = StatusAvailable
	}
	return released
}

// expireClaims releases claims whose TTL lapsed without a progress report
// and returns the tasks to the ready queue.
func (o *Orchestrator) expireClaims(ctx context.Context) {
	now := o.clock.Now()

	o.mu.Lock()
	var expired []string
	for taskID, c := range o.claims {
		if !c.Expired(now) {
			continue
		}
		delete(o.claims, taskID)
		expired = append(expired, taskID)
		if a, ok := o.agents[c.AgentID]; ok {
			a.removeTask(taskID)
		}
		log.Warn(log.CatAgent, "Claim expired", "taskId", taskID, "agentId", c.AgentID)
	}
	o.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for range expired {
		o.met.ClaimsReleased.WithLabelValues(ReleaseExpired).Inc()
	}
	o.updateAgentGauges()
	o.requeueAll(expired, "claim expired")
}
