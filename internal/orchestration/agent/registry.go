package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/metrics"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
	"github.com/flowline-dev/flowline/internal/pubsub"
	"github.com/flowline-dev/flowline/internal/store"
)

// registryKey is the store key the agent registry document lives under,
// producing <base>/agents.json.
const registryKey = "agents"

// registryDoc is the persisted shape of the registry.
type registryDoc struct {
	Agents []Agent `json:"agents"`
}

// Orchestrator owns all Agent and Claim mutations. It matches tasks to
// capable agents, tracks liveness with activity-aware timeouts, and
// releases claims when agents fall offline.
type Orchestrator struct {
	cfg      config.HeartbeatConfig
	claimTTL time.Duration
	maxConc  int
	clock    ident.Clock
	store    *store.Store
	broker   *pubsub.Broker[events.AgentEvent]
	met      *metrics.Metrics

	mu      sync.Mutex
	agents  map[string]*Agent
	claims  map[string]*Claim // by task ID
	pending []pendingTask

	// requeue re-offers a task to the execution queue when capacity
	// appears. Set by the lifecycle coordinator before Run.
	requeue func(taskID string)
}

// pendingTask is a task waiting for a qualified agent.
type pendingTask struct {
	TaskID       string
	Capabilities []string
}

// NewOrchestrator creates the agent orchestrator. st is the store rooted
// at the state base directory, so the registry persists to agents.json.
func NewOrchestrator(hb config.HeartbeatConfig, exec config.ExecutionConfig, clock ident.Clock, st *store.Store, broker *pubsub.Broker[events.AgentEvent], met *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:      hb,
		claimTTL: exec.ClaimTTL,
		maxConc:  exec.MaxAgentConcurrency,
		clock:    clock,
		store:    st,
		broker:   broker,
		met:      met,
		agents:   make(map[string]*Agent),
		claims:   make(map[string]*Claim),
	}
}

// SetRequeue installs the callback used to hand tasks back to the
// execution queue. Must be called before Run.
func (o *Orchestrator) SetRequeue(fn func(taskID string)) {
	o.mu.Lock()
	o.requeue = fn
	o.mu.Unlock()
}

// Events returns the broker carrying agent events.
func (o *Orchestrator) Events() *pubsub.Broker[events.AgentEvent] {
	return o.broker
}

// Register adds (or refreshes) an agent. MaxConcurrentTasks is clamped to
// [1, the configured maximum]; the heartbeat clock starts now.
func (o *Orchestrator) Register(ctx context.Context, a Agent) (Agent, error) {
	if a.AgentID == "" {
		return Agent{}, oerr.E(oerr.Validation, "agent", "Register", "agentId is required")
	}

	if a.MaxConcurrentTasks < 1 {
		a.MaxConcurrentTasks = 1
	}
	if a.MaxConcurrentTasks > o.maxConc {
		a.MaxConcurrentTasks = o.maxConc
	}

	now := o.clock.Now()

	o.mu.Lock()
	if existing, ok := o.agents[a.AgentID]; ok {
		// Re-registration refreshes the declaration but keeps live state.
		existing.Name = a.Name
		existing.Capabilities = append([]string(nil), a.Capabilities...)
		existing.MaxConcurrentTasks = a.MaxConcurrentTasks
		existing.LastHeartbeat = now
		existing.GracePeriodCount = 0
		if existing.Status == StatusOffline {
			existing.Status = StatusAvailable
		}
		a = existing.Clone()
	} else {
		a.Status = StatusAvailable
		a.CurrentTasks = nil
		a.CurrentActivity = ActivityIdle
		a.LastHeartbeat = now
		a.ActivityStartTime = now
		a.GracePeriodCount = 0
		cp := a
		o.agents[a.AgentID] = &cp
	}
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		return Agent{}, err
	}

	o.updateAgentGauges()
	o.emit(ctx, events.AgentEvent{
		Type: events.AgentRegistered, AgentID: a.AgentID,
		Activity: string(a.CurrentActivity), Timestamp: now,
	})
	log.Info(log.CatAgent, "Agent registered", "agentId", a.AgentID, "capabilities", a.Capabilities)

	// New capacity may satisfy tasks that found no agent earlier.
	o.retryPending()
	return a, nil
}

// Deregister removes an agent, releasing any claims it holds.
func (o *Orchestrator) Deregister(ctx context.Context, agentID string) error {
	o.mu.Lock()
	a, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return oerr.E(oerr.NotFound, "agent", "Deregister", "agent not found").WithEntities(agentID)
	}
	released := o.releaseAgentClaimsLocked(a)
	delete(o.agents, agentID)
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		return err
	}

	o.updateAgentGauges()
	o.emit(ctx, events.AgentEvent{
		Type: events.AgentDeregistered, AgentID: agentID, Timestamp: o.clock.Now(),
	})
	o.requeueAll(released, "agent deregistered")
	return nil
}

// Get returns a copy of the agent record.
func (o *Orchestrator) Get(agentID string) (Agent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return a.Clone(), true
}

// List returns copies of all registered agents.
func (o *Orchestrator) List() []Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a.Clone())
	}
	return out
}

// RecordOutcome updates an agent's success history after a task finishes
// and returns its activity to idle when no tasks remain.
func (o *Orchestrator) RecordOutcome(agentID string, succeeded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[agentID]
	if !ok {
		return
	}
	if succeeded {
		a.CompletedTasks++
	} else {
		a.FailedTasks++
	}
	if len(a.CurrentTasks) == 0 {
		a.CurrentActivity = ActivityIdle
		a.ActivityStartTime = o.clock.Now()
	}
}

// LoadPersisted restores the registry from agents.json. Tasks and claims
// are not restored; startup recovery re-queues interrupted work.
func (o *Orchestrator) LoadPersisted() error {
	var doc registryDoc
	if err := o.store.Get(registryKey, &doc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	now := o.clock.Now()

	o.mu.Lock()
	for i := range doc.Agents {
		a := doc.Agents[i]
		a.CurrentTasks = nil
		if a.Status == StatusBusy {
			a.Status = StatusAvailable
		}
		a.LastHeartbeat = now
		a.ActivityStartTime = now
		a.GracePeriodCount = 0
		cp := a
		o.agents[a.AgentID] = &cp
	}
	count := len(o.agents)
	o.mu.Unlock()

	o.updateAgentGauges()
	log.Info(log.CatAgent, "Restored agent registry", "count", count)
	return nil
}

// snapshotLocked captures the registry for persistence. Callers hold o.mu.
func (o *Orchestrator) snapshotLocked() registryDoc {
	doc := registryDoc{Agents: make([]Agent, 0, len(o.agents))}
	for _, a := range o.agents {
		doc.Agents = append(doc.Agents, a.Clone())
	}
	return doc
}

// persist writes the registry document, retrying once on failure.
func (o *Orchestrator) persist(ctx context.Context, doc registryDoc) error {
	op := func() error {
		return o.store.Put(registryKey, doc)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return oerr.E(oerr.Internal, "agent", "persist", "writing agent registry").Wrap(err)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, evt events.AgentEvent) {
	o.broker.PublishSync(ctx, pubsub.UpdatedEvent, evt)
}

// updateAgentGauges refreshes the per-status agent gauges.
func (o *Orchestrator) updateAgentGauges() {
	o.mu.Lock()
	counts := map[Status]int{}
	for _, a := range o.agents {
		counts[a.Status]++
	}
	o.mu.Unlock()

	for _, s := range []Status{StatusAvailable, StatusBusy, StatusOffline} {
		o.met.AgentsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// requeueAll hands released tasks back to the execution queue.
func (o *Orchestrator) requeueAll(taskIDs []string, reason string) {
	o.mu.Lock()
	requeue := o.requeue
	o.mu.Unlock()
	if requeue == nil {
		return
	}
	for _, id := range taskIDs {
		log.Info(log.CatAgent, "Returning task to queue", "taskId", id, "reason", reason)
		requeue(id)
	}
}
