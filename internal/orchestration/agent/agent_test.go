package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/metrics"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
	"github.com/flowline-dev/flowline/internal/pubsub"
	"github.com/flowline-dev/flowline/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *ident.FakeClock) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	clock := ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Defaults()
	broker := pubsub.NewBroker[events.AgentEvent]()
	t.Cleanup(broker.Close)

	o := NewOrchestrator(cfg.Heartbeat, cfg.Execution, clock, st, broker, metrics.New())
	return o, clock
}

// captureRequeue installs a requeue callback and returns the accumulated
// task IDs through the returned func.
func captureRequeue(o *Orchestrator) func() []string {
	var mu sync.Mutex
	var got []string
	o.SetRequeue(func(taskID string) {
		mu.Lock()
		got = append(got, taskID)
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func TestRegisterClampsConcurrency(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	low, err := o.Register(ctx, Agent{AgentID: "agent-low", MaxConcurrentTasks: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, low.MaxConcurrentTasks)

	high, err := o.Register(ctx, Agent{AgentID: "agent-high", MaxConcurrentTasks: 99})
	require.NoError(t, err)
	assert.Equal(t, 8, high.MaxConcurrentTasks)
}

func TestRegisterRequiresID(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Register(context.Background(), Agent{})
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.Validation))
}

func TestReRegistrationKeepsLiveState(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.AssignTask(ctx, TaskRequest{TaskID: "T0001", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)

	refreshed, err := o.Register(ctx, Agent{
		AgentID:            "agent-1",
		Name:               "renamed",
		Capabilities:       []string{"go", "sql"},
		MaxConcurrentTasks: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "renamed", refreshed.Name)
	assert.Equal(t, []string{"go", "sql"}, refreshed.Capabilities)
	assert.Equal(t, []string{"T0001"}, refreshed.CurrentTasks)
	assert.Equal(t, StatusBusy, refreshed.Status)
}

func TestAssignTaskPrefersSpecialist(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Register(ctx, Agent{AgentID: "generalist", Capabilities: []string{"go", "rust", "python", "js"}, MaxConcurrentTasks: 4})
	require.NoError(t, err)
	_, err = o.Register(ctx, Agent{AgentID: "specialist", Capabilities: []string{"go"}, MaxConcurrentTasks: 4})
	require.NoError(t, err)

	got, err := o.AssignTask(ctx, TaskRequest{TaskID: "T0001", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)
	assert.Equal(t, "specialist", got.AgentID)
}

func TestAssignTaskTieBreaksByAgentID(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	for _, id := range []string{"agent-b", "agent-a", "agent-c"} {
		_, err := o.Register(ctx, Agent{AgentID: id, Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
		require.NoError(t, err)
	}

	got, err := o.AssignTask(ctx, TaskRequest{TaskID: "T0001", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.AgentID)
}

func TestAssignTaskSuccessHistoryLowersScore(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	for _, id := range []string{"flaky", "steady"} {
		_, err := o.Register(ctx, Agent{AgentID: id, Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
		require.NoError(t, err)
	}
	o.RecordOutcome("flaky", false)
	o.RecordOutcome("flaky", false)
	o.RecordOutcome("steady", true)

	got, err := o.AssignTask(ctx, TaskRequest{TaskID: "T0001", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)
	assert.Equal(t, "steady", got.AgentID)
}

func TestAssignTaskParksWhenNoAgentQualifies(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	requeued := captureRequeue(o)

	_, err := o.AssignTask(ctx, TaskRequest{TaskID: "T0001", RequiredCapabilities: []string{"go"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoQualifiedAgent))
	assert.True(t, oerr.IsKind(err, oerr.ResourceExhausted))
	assert.Empty(t, requeued())

	// Registration of a qualified agent re-offers the parked task.
	_, err = o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"T0001"}, requeued())
	assert.Zero(t, o.pendingLen())
}

func TestPendingRetriedOnHeartbeat(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	requeued := captureRequeue(o)

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 1})
	require.NoError(t, err)
	_, err = o.AssignTask(ctx, TaskRequest{TaskID: "T0001", RequiredCapabilities: []string{"go"}})
	require.NoError(t, err)

	// Agent is full; second task parks.
	_, err = o.AssignTask(ctx, TaskRequest{TaskID: "T0002", RequiredCapabilities: []string{"go"}})
	require.ErrorIs(t, err, ErrNoQualifiedAgent)

	o.ReleaseClaim(ctx, "T0001", ReleaseCompleted)
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{}))
	assert.Equal(t, []string{"T0002"}, requeued())
}

func TestClaimTaskErrors(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 1})
	require.NoError(t, err)
	_, err = o.Register(ctx, Agent{AgentID: "agent-2", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)

	_, err = o.ClaimTask(ctx, "missing", "T0001", nil)
	assert.True(t, oerr.IsKind(err, oerr.NotFound))

	_, err = o.ClaimTask(ctx, "agent-1", "T0001", []string{"rust"})
	assert.True(t, oerr.IsKind(err, oerr.Validation))

	_, err = o.ClaimTask(ctx, "agent-1", "T0001", []string{"go"})
	require.NoError(t, err)

	// Claimed task is exclusive until the claim expires.
	_, err = o.ClaimTask(ctx, "agent-2", "T0001", []string{"go"})
	assert.True(t, oerr.IsKind(err, oerr.Conflict))

	// agent-1 is at its concurrency limit.
	_, err = o.ClaimTask(ctx, "agent-1", "T0002", []string{"go"})
	assert.True(t, oerr.IsKind(err, oerr.ResourceExhausted))

	// An expired claim can be taken over.
	clock.Advance(config.Defaults().Execution.ClaimTTL + time.Second)
	_, err = o.ClaimTask(ctx, "agent-2", "T0001", []string{"go"})
	require.NoError(t, err)
}

func TestClaimExpiryRequeuesTask(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()
	requeued := captureRequeue(o)

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.ClaimTask(ctx, "agent-1", "T0001", []string{"go"})
	require.NoError(t, err)

	clock.Advance(config.Defaults().Execution.ClaimTTL + time.Second)
	o.expireClaims(ctx)

	assert.Equal(t, []string{"T0001"}, requeued())
	_, held := o.GetClaim("T0001")
	assert.False(t, held)

	a, ok := o.Get("agent-1")
	require.True(t, ok)
	assert.Empty(t, a.CurrentTasks)
	assert.Equal(t, StatusAvailable, a.Status)
}

func TestHeartbeatExtendsClaims(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()
	requeued := captureRequeue(o)
	ttl := config.Defaults().Execution.ClaimTTL

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.ClaimTask(ctx, "agent-1", "T0001", []string{"go"})
	require.NoError(t, err)

	// Heartbeats inside the TTL keep pushing expiry out.
	clock.Advance(ttl - 10*time.Second)
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{Activity: ActivityTaskExecution}))
	clock.Advance(ttl - 10*time.Second)
	o.expireClaims(ctx)

	_, held := o.GetClaim("T0001")
	assert.True(t, held)
	assert.Empty(t, requeued())
}

func TestHeartbeatUnknownActivity(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, err := o.Register(ctx, Agent{AgentID: "agent-1", MaxConcurrentTasks: 1})
	require.NoError(t, err)

	err = o.Heartbeat(ctx, "agent-1", HeartbeatReport{Activity: "daydreaming"})
	assert.True(t, oerr.IsKind(err, oerr.Validation))

	err = o.Heartbeat(ctx, "missing", HeartbeatReport{})
	assert.True(t, oerr.IsKind(err, oerr.NotFound))
}

func TestAdaptiveTimeoutExtension(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", MaxConcurrentTasks: 1})
	require.NoError(t, err)
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{
		Activity:         ActivityTaskExecution,
		ExpectedDuration: 10 * time.Minute,
	}))

	// At 50% after 100s the estimated remainder is another 100s,
	// padded by half again.
	clock.Advance(100 * time.Second)
	progress := 50.0
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{Progress: &progress}))

	a, ok := o.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, 150*time.Second, a.TimeoutExtension)

	// Early progress grants nothing.
	early := 5.0
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{Activity: ActivityResearch}))
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{Progress: &early}))
	a, _ = o.Get("agent-1")
	assert.Zero(t, a.TimeoutExtension)
}

func TestActivityChangeResetsProgressState(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", MaxConcurrentTasks: 1})
	require.NoError(t, err)
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{
		Activity:         ActivityTaskExecution,
		ExpectedDuration: time.Minute,
	}))
	clock.Advance(30 * time.Second)
	progress := 60.0
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{Progress: &progress}))
	a, _ := o.Get("agent-1")
	require.NotZero(t, a.TimeoutExtension)

	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{Activity: ActivityResearch}))
	a, _ = o.Get("agent-1")
	assert.Zero(t, a.TimeoutExtension)
	assert.Zero(t, a.ProgressPercentage)
	assert.Equal(t, ActivityResearch, a.CurrentActivity)
}

// An agent deep in decomposition gets the full activity-scaled deadline,
// then three announced grace periods, and only then goes offline with its
// claims returned to the queue.
func TestGracePeriodSequenceThenOffline(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()
	requeued := captureRequeue(o)
	cfg := config.Defaults().Heartbeat

	sub := o.Events().Subscribe(ctx)

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.ClaimTask(ctx, "agent-1", "T0001", []string{"go"})
	require.NoError(t, err)
	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{Activity: ActivityDecomposition}))

	// decomposition: 20x base interval plus the workflow-critical extension.
	timeout := 20*cfg.BaseInterval + cfg.WorkflowCriticalExtension

	clock.Advance(timeout)
	o.sweep(ctx)
	a, _ := o.Get("agent-1")
	assert.Zero(t, a.GracePeriodCount, "no grace period before the deadline passes")

	for want := 1; want <= cfg.MaxGracePeriods; want++ {
		clock.Advance(cfg.GracePeriodDuration)
		o.sweep(ctx)
		a, _ = o.Get("agent-1")
		if want < cfg.MaxGracePeriods {
			assert.Equal(t, want, a.GracePeriodCount)
			assert.NotEqual(t, StatusOffline, a.Status)
		}
	}

	// The final advance crossed timeout + max*grace: offline, claim gone.
	a, _ = o.Get("agent-1")
	assert.Equal(t, StatusOffline, a.Status)
	assert.Empty(t, a.CurrentTasks)
	_, held := o.GetClaim("T0001")
	assert.False(t, held)
	assert.Equal(t, []string{"T0001"}, requeued())

	var types []events.AgentEventType
	var counts []int
	for len(types) < 5 {
		select {
		case evt := <-sub:
			types = append(types, evt.Payload.Type)
			if evt.Payload.Type == events.AgentGracePeriod {
				counts = append(counts, evt.Payload.GracePeriodCount)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	assert.Equal(t, []events.AgentEventType{
		events.AgentRegistered, events.AgentClaimed,
		events.AgentGracePeriod, events.AgentGracePeriod, events.AgentOffline,
	}, types)
	assert.Equal(t, []int{1, 2}, counts)
}

// Offline never fires before the full silence budget has elapsed.
func TestOfflineRequiresFullSilenceBudget(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()
	cfg := config.Defaults().Heartbeat

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", MaxConcurrentTasks: 1})
	require.NoError(t, err)

	// idle: 2x base interval.
	budget := 2*cfg.BaseInterval + time.Duration(cfg.MaxGracePeriods)*cfg.GracePeriodDuration

	clock.Advance(budget - time.Millisecond)
	o.sweep(ctx)
	a, _ := o.Get("agent-1")
	assert.NotEqual(t, StatusOffline, a.Status)
	assert.Equal(t, cfg.MaxGracePeriods, a.GracePeriodCount)

	clock.Advance(time.Millisecond)
	o.sweep(ctx)
	a, _ = o.Get("agent-1")
	assert.Equal(t, StatusOffline, a.Status)
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	ctx := context.Background()
	cfg := config.Defaults().Heartbeat

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", MaxConcurrentTasks: 1})
	require.NoError(t, err)

	clock.Advance(2*cfg.BaseInterval + time.Duration(cfg.MaxGracePeriods)*cfg.GracePeriodDuration)
	o.sweep(ctx)
	a, _ := o.Get("agent-1")
	require.Equal(t, StatusOffline, a.Status)

	require.NoError(t, o.Heartbeat(ctx, "agent-1", HeartbeatReport{}))
	a, _ = o.Get("agent-1")
	assert.Equal(t, StatusAvailable, a.Status)
	assert.Zero(t, a.GracePeriodCount)
}

func TestActivityMultiplierOverride(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	clock := ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Defaults()
	cfg.Heartbeat.ActivityMultipliers = map[string]int{"idle": 4}
	broker := pubsub.NewBroker[events.AgentEvent]()
	t.Cleanup(broker.Close)
	o := NewOrchestrator(cfg.Heartbeat, cfg.Execution, clock, st, broker, metrics.New())
	ctx := context.Background()

	_, err = o.Register(ctx, Agent{AgentID: "agent-1", MaxConcurrentTasks: 1})
	require.NoError(t, err)

	// Under the default idle multiplier of 2 this would be past the
	// deadline already.
	clock.Advance(3 * cfg.Heartbeat.BaseInterval)
	o.sweep(ctx)
	a, _ := o.Get("agent-1")
	assert.Zero(t, a.GracePeriodCount)

	clock.Advance(2 * cfg.Heartbeat.BaseInterval)
	o.sweep(ctx)
	a, _ = o.Get("agent-1")
	assert.Equal(t, 1, a.GracePeriodCount)
}

func TestDeregisterReleasesClaims(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	requeued := captureRequeue(o)

	_, err := o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.ClaimTask(ctx, "agent-1", "T0001", []string{"go"})
	require.NoError(t, err)

	require.NoError(t, o.Deregister(ctx, "agent-1"))
	assert.Equal(t, []string{"T0001"}, requeued())
	_, ok := o.Get("agent-1")
	assert.False(t, ok)

	err = o.Deregister(ctx, "agent-1")
	assert.True(t, oerr.IsKind(err, oerr.NotFound))
}

func TestLoadPersistedResetsTransientState(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)
	clock := ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Defaults()
	broker := pubsub.NewBroker[events.AgentEvent]()
	t.Cleanup(broker.Close)
	o := NewOrchestrator(cfg.Heartbeat, cfg.Execution, clock, st, broker, metrics.New())
	ctx := context.Background()

	_, err = o.Register(ctx, Agent{AgentID: "agent-1", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.ClaimTask(ctx, "agent-1", "T0001", []string{"go"})
	require.NoError(t, err)

	st2, err := store.New(dir)
	require.NoError(t, err)
	broker2 := pubsub.NewBroker[events.AgentEvent]()
	t.Cleanup(broker2.Close)
	o2 := NewOrchestrator(cfg.Heartbeat, cfg.Execution, clock, st2, broker2, metrics.New())
	require.NoError(t, o2.LoadPersisted())

	a, ok := o2.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, []string{"go"}, a.Capabilities)
	assert.Empty(t, a.CurrentTasks)
	assert.Equal(t, StatusAvailable, a.Status)
	assert.Zero(t, a.GracePeriodCount)
}

func TestReloadMergesExternalEdits(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Register(ctx, Agent{AgentID: "keep", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.Register(ctx, Agent{AgentID: "busy", Capabilities: []string{"go"}, MaxConcurrentTasks: 2})
	require.NoError(t, err)
	_, err = o.Register(ctx, Agent{AgentID: "drop", MaxConcurrentTasks: 1})
	require.NoError(t, err)
	_, err = o.ClaimTask(ctx, "busy", "T0001", []string{"go"})
	require.NoError(t, err)

	// Simulate an operator edit: keep gains a capability, drop and busy
	// disappear, added is new with an out-of-range concurrency.
	edited := registryDoc{Agents: []Agent{
		{AgentID: "keep", Capabilities: []string{"go", "sql"}, MaxConcurrentTasks: 2},
		{AgentID: "added", Capabilities: []string{"rust"}, MaxConcurrentTasks: 50},
	}}
	require.NoError(t, o.store.Put(registryKey, edited))

	o.reload(ctx)

	a, ok := o.Get("keep")
	require.True(t, ok)
	assert.Equal(t, []string{"go", "sql"}, a.Capabilities)

	a, ok = o.Get("added")
	require.True(t, ok)
	assert.Equal(t, 8, a.MaxConcurrentTasks)
	assert.Equal(t, StatusAvailable, a.Status)

	_, ok = o.Get("drop")
	assert.False(t, ok, "idle agent absent from the edited file is removed")

	// An agent still holding tasks survives removal.
	a, ok = o.Get("busy")
	require.True(t, ok)
	assert.Equal(t, []string{"T0001"}, a.CurrentTasks)
}

// Claims and CurrentTasks stay consistent under arbitrary interleavings of
// claim, release, and expiry.
func TestClaimBookkeepingConsistency(tt *testing.T) {
	rapid.Check(tt, func(t *rapid.T) {
		st, err := store.New(tt.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		clock := ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		cfg := config.Defaults()
		broker := pubsub.NewBroker[events.AgentEvent]()
		defer broker.Close()
		o := NewOrchestrator(cfg.Heartbeat, cfg.Execution, clock, st, broker, metrics.New())
		ctx := context.Background()

		agents := []string{"agent-a", "agent-b"}
		for _, id := range agents {
			if _, err := o.Register(ctx, Agent{AgentID: id, MaxConcurrentTasks: 2}); err != nil {
				t.Fatal(err)
			}
		}
		tasks := []string{"T0001", "T0002", "T0003", "T0004"}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				agentID := rapid.SampledFrom(agents).Draw(t, "agent")
				taskID := rapid.SampledFrom(tasks).Draw(t, "task")
				_, _ = o.ClaimTask(ctx, agentID, taskID, nil)
			case 1:
				taskID := rapid.SampledFrom(tasks).Draw(t, "task")
				o.ReleaseClaim(ctx, taskID, ReleaseCompleted)
			case 2:
				clock.Advance(time.Duration(rapid.IntRange(0, 200).Draw(t, "secs")) * time.Second)
				o.expireClaims(ctx)
			}
		}

		for _, id := range agents {
			a, _ := o.Get(id)
			if len(a.CurrentTasks) > a.MaxConcurrentTasks {
				t.Fatalf("agent %s over capacity: %v", id, a.CurrentTasks)
			}
			for _, taskID := range a.CurrentTasks {
				c, held := o.GetClaim(taskID)
				if !held || c.AgentID != id {
					t.Fatalf("task %s on agent %s without matching claim", taskID, id)
				}
			}
		}
	})
}
