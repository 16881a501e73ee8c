package agent

import (
	"context"
	"time"

	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// extensionFactor pads the estimated remaining time when granting a
// progress-based timeout extension.
const extensionFactor = 1.5

// extensionMinProgress is the progress percentage an agent must report
// before adaptive extension applies.
const extensionMinProgress = 10.0

// HeartbeatReport is an agent's liveness signal with optional activity
// and progress detail.
type HeartbeatReport struct {
	// Activity, when set, replaces the agent's current activity and
	// restarts its activity clock.
	Activity Activity
	// Progress is the percentage of the current activity completed.
	Progress *float64
	// ExpectedDuration is the agent's estimate for the whole activity.
	ExpectedDuration time.Duration
}

// Heartbeat records a liveness signal: the heartbeat clock restarts, the
// grace counter resets, claims held by the agent are extended, and a
// progressing agent may earn a timeout extension.
func (o *Orchestrator) Heartbeat(ctx context.Context, agentID string, report HeartbeatReport) error {
	if report.Activity != "" && !report.Activity.Valid() {
		return oerr.E(oerr.Validation, "agent", "Heartbeat", "unknown activity").
			WithEntities(agentID).WithMeta("activity", string(report.Activity))
	}

	now := o.clock.Now()

	o.mu.Lock()
	a, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return oerr.E(oerr.NotFound, "agent", "Heartbeat", "agent not found").WithEntities(agentID)
	}

	a.LastHeartbeat = now
	a.GracePeriodCount = 0
	if a.Status == StatusOffline {
		a.Status = StatusAvailable
		if len(a.CurrentTasks) > 0 {
			a.Status = StatusBusy
		}
	}

	if report.Activity != "" && report.Activity != a.CurrentActivity {
		a.CurrentActivity = report.Activity
		a.ActivityStartTime = now
		a.ProgressPercentage = 0
		a.TimeoutExtension = 0
	}
	if report.ExpectedDuration > 0 {
		a.ExpectedDuration = report.ExpectedDuration
	}
	if report.Progress != nil {
		a.ProgressPercentage = *report.Progress

		// An agent demonstrably past the ramp-up earns extra time
		// proportional to its own remaining-work estimate.
		if p := a.ProgressPercentage / 100; p > extensionMinProgress/100 && p < 1 && a.ExpectedDuration > 0 {
			elapsed := now.Sub(a.ActivityStartTime)
			remaining := time.Duration(float64(elapsed) * (1 - p) / p)
			a.TimeoutExtension = time.Duration(float64(remaining) * extensionFactor)
		}
	}

	// A progress report counts as claim activity.
	for _, c := range o.claims {
		if c.AgentID == agentID {
			c.ExpiresAt = now.Add(o.claimTTL)
		}
	}
	o.mu.Unlock()

	log.Debug(log.CatAgent, "Heartbeat", "agentId", agentID, "activity", report.Activity)
	o.retryPending()
	return nil
}

// effectiveTimeout is the silence budget for a before grace periods:
// the activity multiplier over the base interval, plus any progress-based
// extension, plus the fixed workflow-critical extension.
func (o *Orchestrator) effectiveTimeout(a *Agent) time.Duration {
	mult, ok := 0, false
	if o.cfg.ActivityMultipliers != nil {
		mult, ok = o.cfg.ActivityMultipliers[string(a.CurrentActivity)]
	}
	if !ok {
		if mult, ok = defaultMultipliers[a.CurrentActivity]; !ok {
			mult = defaultMultipliers[ActivityIdle]
		}
	}

	timeout := time.Duration(mult)*o.cfg.BaseInterval + a.TimeoutExtension
	if a.CurrentActivity.IsWorkflowCritical() {
		timeout += o.cfg.WorkflowCriticalExtension
	}
	return timeout
}

// Run drives the liveness monitor until ctx is cancelled: each tick sweeps
// for silent agents and expired claims.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
			o.expireClaims(ctx)
		}
	}
}

// sweep checks every live agent against its activity timeout. A silent
// agent first consumes bounded grace periods, each one event-emitted;
// only after timeout + maxGracePeriods x gracePeriodDuration with no
// signal is it marked offline and its claims released.
func (o *Orchestrator) sweep(ctx context.Context) {
	now := o.clock.Now()

	type graceEntry struct {
		agentID  string
		activity Activity
		count    int
	}
	type offlineEntry struct {
		agentID  string
		activity Activity
		released []string
	}
	var graces []graceEntry
	var offline []offlineEntry

	o.mu.Lock()
	for _, a := range o.agents {
		if a.Status == StatusOffline {
			continue
		}

		timeout := o.effectiveTimeout(a)
		silence := now.Sub(a.LastHeartbeat)
		if silence <= timeout {
			continue
		}

		budget := timeout + time.Duration(o.cfg.MaxGracePeriods)*o.cfg.GracePeriodDuration
		if silence >= budget {
			a.Status = StatusOffline
			released := o.releaseAgentClaimsLocked(a)
			offline = append(offline, offlineEntry{a.AgentID, a.CurrentActivity, released})
			continue
		}

		// Ceiling division: silence one grace duration past the deadline
		// is still inside grace period 1.
		over := silence - timeout
		count := int((over + o.cfg.GracePeriodDuration - 1) / o.cfg.GracePeriodDuration)
		if count > o.cfg.MaxGracePeriods {
			count = o.cfg.MaxGracePeriods
		}
		for c := a.GracePeriodCount + 1; c <= count; c++ {
			graces = append(graces, graceEntry{a.AgentID, a.CurrentActivity, c})
		}
		a.GracePeriodCount = count
	}
	o.mu.Unlock()

	for _, g := range graces {
		o.met.GracePeriodsTotal.Inc()
		o.emit(ctx, events.AgentEvent{
			Type:             events.AgentGracePeriod,
			AgentID:          g.agentID,
			Activity:         string(g.activity),
			GracePeriodCount: g.count,
			Timestamp:        now,
		})
		log.Warn(log.CatAgent, "Agent entered grace period",
			"agentId", g.agentID, "count", g.count)
	}

	for _, off := range offline {
		for range off.released {
			o.met.ClaimsReleased.WithLabelValues(ReleaseAgentOffline).Inc()
		}
		o.emit(ctx, events.AgentEvent{
			Type:      events.AgentOffline,
			AgentID:   off.agentID,
			Activity:  string(off.activity),
			Timestamp: now,
		})
		log.Warn(log.CatAgent, "Agent marked offline", "agentId", off.agentID)
		o.requeueAll(off.released, "agent offline")
	}

	if len(offline) > 0 {
		o.updateAgentGauges()
	}
}
