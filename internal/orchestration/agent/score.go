package agent

import (
	"context"
	"errors"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// ErrNoQualifiedAgent is returned when no registered agent can take the
// task right now. The task is parked and re-offered when capacity appears.
var ErrNoQualifiedAgent = errors.New("no qualified agent available")

// Scoring weights. Capability fit dominates; liveness breaks near-ties.
const (
	weightCapability = 0.40
	weightSlack      = 0.25
	weightSuccess    = 0.20
	weightRecency    = 0.15
)

// TaskRequest is the assignment view of a task.
type TaskRequest struct {
	TaskID               string
	RequiredCapabilities []string
}

// Assignment names the selected agent and its score.
type Assignment struct {
	TaskID  string  `json:"taskId"`
	AgentID string  `json:"agentId"`
	Score   float64 `json:"score"`
}

// AssignTask selects the highest-scoring agent whose capabilities are a
// superset of the task's requirements, records a claim, and marks the
// agent busy. When no agent qualifies, the task is placed on the pending
// queue and ErrNoQualifiedAgent (ResourceExhausted) is returned; the task
// is re-offered on the next registration or heartbeat.
func (o *Orchestrator) AssignTask(ctx context.Context, req TaskRequest) (Assignment, error) {
	if req.TaskID == "" {
		return Assignment{}, oerr.E(oerr.Validation, "agent", "AssignTask", "taskId is required")
	}

	now := o.clock.Now()

	o.mu.Lock()
	best, score := o.selectLocked(req)
	if best == nil {
		o.addPendingLocked(req)
		o.mu.Unlock()
		o.met.PendingAssignments.Set(float64(o.pendingLen()))
		return Assignment{}, oerr.E(oerr.ResourceExhausted, "agent", "AssignTask", "no qualified agent").
			WithEntities(req.TaskID).Wrap(ErrNoQualifiedAgent)
	}

	best.addTask(req.TaskID)
	o.claims[req.TaskID] = &Claim{
		TaskID:    req.TaskID,
		AgentID:   best.AgentID,
		ClaimedAt: now,
		ExpiresAt: now.Add(o.claimTTL),
	}
	agentID := best.AgentID
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		return Assignment{}, err
	}

	o.met.AssignmentsTotal.Inc()
	o.updateAgentGauges()
	o.emit(ctx, events.AgentEvent{
		Type: events.AgentClaimed, AgentID: agentID, TaskID: req.TaskID, Timestamp: now,
	})
	log.Info(log.CatAgent, "Task assigned", "taskId", req.TaskID, "agentId", agentID, "score", score)

	return Assignment{TaskID: req.TaskID, AgentID: agentID, Score: score}, nil
}

// selectLocked returns the best eligible agent, ties broken by agent ID.
// Callers hold o.mu.
func (o *Orchestrator) selectLocked(req TaskRequest) (*Agent, float64) {
	var best *Agent
	var bestScore float64

	for _, a := range o.agents {
		if a.Status == StatusOffline || !a.HasCapacity() || !a.CanHandle(req.RequiredCapabilities) {
			continue
		}
		s := o.score(a, req.RequiredCapabilities)
		if best == nil || s > bestScore || (s == bestScore && a.AgentID < best.AgentID) {
			best, bestScore = a, s
		}
	}
	return best, bestScore
}

// score combines capability overlap, concurrency slack, success history,
// and heartbeat recency into [0, 1].
func (o *Orchestrator) score(a *Agent, required []string) float64 {
	overlap := 1.0
	if len(required) > 0 && len(a.Capabilities) > 0 {
		overlap = float64(len(required)) / float64(len(a.Capabilities))
		if overlap > 1 {
			overlap = 1
		}
	}

	slack := 1.0 - float64(len(a.CurrentTasks))/float64(a.MaxConcurrentTasks)

	recency := 1.0 - float64(o.clock.Now().Sub(a.LastHeartbeat))/float64(o.cfg.BaseInterval)
	if recency < 0 {
		recency = 0
	}
	if recency > 1 {
		recency = 1
	}

	return weightCapability*overlap +
		weightSlack*slack +
		weightSuccess*a.SuccessRate() +
		weightRecency*recency
}

// addPendingLocked parks a task awaiting capacity. Callers hold o.mu.
func (o *Orchestrator) addPendingLocked(req TaskRequest) {
	for _, p := range o.pending {
		if p.TaskID == req.TaskID {
			return
		}
	}
	o.pending = append(o.pending, pendingTask{
		TaskID:       req.TaskID,
		Capabilities: append([]string(nil), req.RequiredCapabilities...),
	})
	log.Debug(log.CatAgent, "Task parked awaiting agent", "taskId", req.TaskID)
}

func (o *Orchestrator) pendingLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// retryPending re-offers parked tasks that now have an eligible agent.
func (o *Orchestrator) retryPending() {
	o.mu.Lock()
	var ready []string
	var still []pendingTask
	for _, p := range o.pending {
		if a, _ := o.selectLocked(TaskRequest{TaskID: p.TaskID, RequiredCapabilities: p.Capabilities}); a != nil {
			ready = append(ready, p.TaskID)
		} else {
			still = append(still, p)
		}
	}
	o.pending = still
	o.mu.Unlock()

	o.met.PendingAssignments.Set(float64(o.pendingLen()))
	o.requeueAll(ready, "agent capacity available")
}
