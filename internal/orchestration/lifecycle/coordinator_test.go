package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/orchestration/depgraph"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/metrics"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
	"github.com/flowline-dev/flowline/internal/pubsub"
	"github.com/flowline-dev/flowline/internal/store"
)

// fakeAgents satisfies the Agents interface with scripted behavior.
type fakeAgents struct {
	mu       sync.Mutex
	agentID  string
	exhaust  bool
	assigns  []string
	releases map[string][]string
	outcomes map[string][]bool
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		agentID:  "agent-1",
		releases: make(map[string][]string),
		outcomes: make(map[string][]bool),
	}
}

func (f *fakeAgents) Assign(ctx context.Context, taskID string, required []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhaust {
		return "", oerr.E(oerr.ResourceExhausted, "agent", "AssignTask", "no qualified agent").
			WithEntities(taskID)
	}
	f.assigns = append(f.assigns, taskID)
	return f.agentID, nil
}

func (f *fakeAgents) Release(ctx context.Context, taskID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases[taskID] = append(f.releases[taskID], reason)
}

func (f *fakeAgents) RecordOutcome(agentID string, succeeded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[agentID] = append(f.outcomes[agentID], succeeded)
}

func (f *fakeAgents) releasedWith(taskID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.releases[taskID] {
		if r == reason {
			return true
		}
	}
	return false
}

type coordFixture struct {
	c      *Coordinator
	agents *fakeAgents
	clock  *ident.FakeClock
	store  *store.Store
	ids    *ident.Generator
	cfg    config.Config

	taskEvts *pubsub.Broker[events.TaskEvent]
	wfEvts   *pubsub.Broker[events.WorkflowEvent]
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *coordFixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ids, err := ident.NewGenerator(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)

	cfg := config.Defaults()
	for _, m := range mutate {
		m(&cfg)
	}

	fx := &coordFixture{
		agents:   newFakeAgents(),
		clock:    ident.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		store:    st,
		ids:      ids,
		cfg:      cfg,
		taskEvts: pubsub.NewBroker[events.TaskEvent](),
		wfEvts:   pubsub.NewBroker[events.WorkflowEvent](),
	}
	t.Cleanup(fx.taskEvts.Close)
	t.Cleanup(fx.wfEvts.Close)

	fx.c = NewCoordinator(Deps{
		Exec:           cfg.Execution,
		Graph:          cfg.Graph,
		Clock:          fx.clock,
		Store:          st,
		IDs:            ids,
		Agents:         fx.agents,
		TaskEvents:     fx.taskEvts,
		WorkflowEvents: fx.wfEvts,
		Metrics:        metrics.New(),
	})
	return fx
}

// rebuild returns a fresh coordinator over the same store and counters,
// simulating a process restart.
func (fx *coordFixture) rebuild(t *testing.T) *coordFixture {
	t.Helper()
	next := &coordFixture{
		agents:   newFakeAgents(),
		clock:    fx.clock,
		store:    fx.store,
		ids:      fx.ids,
		cfg:      fx.cfg,
		taskEvts: pubsub.NewBroker[events.TaskEvent](),
		wfEvts:   pubsub.NewBroker[events.WorkflowEvent](),
	}
	t.Cleanup(next.taskEvts.Close)
	t.Cleanup(next.wfEvts.Close)
	next.c = NewCoordinator(Deps{
		Exec:           fx.cfg.Execution,
		Graph:          fx.cfg.Graph,
		Clock:          fx.clock,
		Store:          fx.store,
		IDs:            fx.ids,
		Agents:         next.agents,
		TaskEvents:     next.taskEvts,
		WorkflowEvents: next.wfEvts,
		Metrics:        metrics.New(),
	})
	return next
}

// twoTaskSpec is a build-then-test pipeline.
func twoTaskSpec() WorkflowSpec {
	return WorkflowSpec{
		SessionID: "sess-1",
		Tasks: []TaskSpec{
			{ID: "build", Title: "Build", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityHigh},
			{ID: "test", Title: "Test", Type: depgraph.TypeTesting, Priority: depgraph.PriorityMedium},
		},
		Dependencies: []DepSpec{
			{From: "build", To: "test", Type: depgraph.DepRequires},
		},
	}
}

func drainWorkflowEvents(ch <-chan pubsub.Event[events.WorkflowEvent]) []events.WorkflowEventType {
	var out []events.WorkflowEventType
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e.Payload.Type)
		default:
			return out
		}
	}
}

func TestCreateWorkflowAllocatesAndEnqueues(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sub := fx.wfEvts.Subscribe(ctx)

	wf, report, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)
	require.True(t, report.Valid())

	assert.Equal(t, []string{"T0001", "T0002"}, wf.TaskOrder)
	assert.Equal(t, []string{"T0001", "T0002"}, wf.ExecutionOrder)
	assert.Equal(t, WorkflowRunning, wf.Status)
	assert.Equal(t, PhaseExecution, wf.Phase)
	assert.Equal(t, StatusPending, wf.Tasks["T0001"].Status)

	// Only the task with no incomplete hard dependency is ready.
	assert.Equal(t, 1, fx.c.QueueLen())
	next, ok := fx.c.TryNextReady()
	require.True(t, ok)
	assert.Equal(t, "T0001", next)

	assert.Equal(t, []events.WorkflowEventType{events.WorkflowCreated}, drainWorkflowEvents(sub))
}

func TestCreateWorkflowRejectsBadSpecs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, _, err := fx.c.CreateWorkflow(ctx, WorkflowSpec{SessionID: "sess-1"})
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.Validation))

	dup := twoTaskSpec()
	dup.Tasks[1].ID = "build"
	_, _, err = fx.c.CreateWorkflow(ctx, dup)
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.Validation))

	dangling := twoTaskSpec()
	dangling.Dependencies[0].To = "deploy"
	_, _, err = fx.c.CreateWorkflow(ctx, dangling)
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.Validation))
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	fx := newFixture(t)

	spec := twoTaskSpec()
	spec.Dependencies = append(spec.Dependencies, DepSpec{From: "test", To: "build", Type: depgraph.DepRequires})

	_, report, err := fx.c.CreateWorkflow(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.DependencyCycle))
	assert.NotEmpty(t, report.CircularDependencies)
	assert.Empty(t, fx.c.ListWorkflows())
}

func TestValidateSpecIsSideEffectFree(t *testing.T) {
	fx := newFixture(t)

	report, err := fx.c.ValidateSpec(twoTaskSpec())
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, []string{"build", "test"}, report.ExecutionOrder)

	// A cyclic spec yields a diagnostic report, not an error.
	spec := twoTaskSpec()
	spec.Dependencies = append(spec.Dependencies, DepSpec{From: "test", To: "build", Type: depgraph.DepRequires})
	report, err = fx.c.ValidateSpec(spec)
	require.NoError(t, err)
	assert.False(t, report.Valid())

	assert.Empty(t, fx.c.ListWorkflows())
	assert.Zero(t, fx.c.QueueLen())
}

// TestTransitionLegalityTable checks every (from, to) pair against the
// state machine: the call succeeds exactly when the table allows it.
func TestTransitionLegalityTable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(allStatuses).Draw(rt, "from")
		to := rapid.SampledFrom(allStatuses).Draw(rt, "to")

		fx := newFixture(t)
		ctx := context.Background()

		spec := WorkflowSpec{
			SessionID: "sess-1",
			Tasks:     []TaskSpec{{ID: "solo", Title: "Solo", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium}},
		}
		wf, _, err := fx.c.CreateWorkflow(ctx, spec)
		require.NoError(rt, err)
		taskID := wf.TaskOrder[0]

		// Force the starting status directly; the public API cannot reach
		// every state in one hop.
		ws := fx.c.stateForTask(taskID)
		ws.mu.Lock()
		ws.wf.Tasks[taskID].Status = from
		ws.mu.Unlock()

		err = fx.c.Transition(ctx, taskID, to, "probe", "test", false)
		if CanTransition(from, to) {
			require.NoError(rt, err, "%s -> %s should be legal", from, to)
		} else {
			require.Error(rt, err, "%s -> %s should be rejected", from, to)
			assert.True(rt, oerr.IsKind(err, oerr.Conflict))
		}
	})
}

func TestTransitionRecordsHistory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	wf, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)

	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))

	got, ok := fx.c.GetWorkflow(wf.WorkflowID)
	require.True(t, ok)
	require.Len(t, got.History, 1)
	rec := got.History[0]
	assert.Equal(t, "T0001", rec.TaskID)
	assert.Equal(t, StatusPending, rec.From)
	assert.Equal(t, StatusInProgress, rec.To)
	assert.Equal(t, "claimed", rec.Reason)
	assert.Equal(t, "agent-1", rec.TriggeredBy)
	assert.False(t, rec.IsAutomated)
}

func TestCompleteGatedByHardDependency(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)

	// T0002 may start, but not finish, while T0001 is incomplete.
	require.NoError(t, fx.c.Transition(ctx, "T0002", StatusInProgress, "claimed", "agent-1", false))
	err = fx.c.Transition(ctx, "T0002", StatusCompleted, "done", "agent-1", false)
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.Conflict))

	task, _ := fx.c.GetTask("T0002")
	assert.Equal(t, StatusInProgress, task.Status)
}

func TestHappyPathCompletesWorkflow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	wf, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)
	sub := fx.wfEvts.Subscribe(ctx)

	fx.c.Withdraw("T0001")
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusCompleted, "done", "agent-1", false))

	// Completing the prerequisite makes the dependent ready.
	assert.True(t, fx.agents.releasedWith("T0001", "completed"))
	next, ok := fx.c.TryNextReady()
	require.True(t, ok)
	assert.Equal(t, "T0002", next)

	require.NoError(t, fx.c.Transition(ctx, "T0002", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.Transition(ctx, "T0002", StatusCompleted, "done", "agent-1", false))

	got, ok := fx.c.GetWorkflow(wf.WorkflowID)
	require.True(t, ok)
	assert.Equal(t, WorkflowCompleted, got.Status)
	assert.Equal(t, PhaseCleanup, got.Phase)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, []events.WorkflowEventType{events.WorkflowCompleted}, drainWorkflowEvents(sub))
}

func TestWorkflowOutcomePrecedence(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	spec := WorkflowSpec{
		SessionID: "sess-1",
		Tasks: []TaskSpec{
			{ID: "a", Title: "A", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium},
			{ID: "b", Title: "B", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium},
		},
	}
	wf, _, err := fx.c.CreateWorkflow(ctx, spec)
	require.NoError(t, err)

	fx.c.setAssigned("T0001", "agent-1")
	fx.c.setAssigned("T0002", "agent-1")
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusCompleted, "done", "agent-1", false))
	require.NoError(t, fx.c.Transition(ctx, "T0002", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.Transition(ctx, "T0002", StatusFailed, "boom", "agent-1", false))

	got, _ := fx.c.GetWorkflow(wf.WorkflowID)
	assert.Equal(t, WorkflowFailed, got.Status)

	// One success, one failure, both against the assigned agent.
	assert.Equal(t, []bool{true, false}, fx.agents.outcomes["agent-1"])
}

func TestFailedTaskRevival(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	spec := WorkflowSpec{
		SessionID: "sess-1",
		Tasks:     []TaskSpec{{ID: "flaky", Title: "Flaky", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium}},
	}
	wf, _, err := fx.c.CreateWorkflow(ctx, spec)
	require.NoError(t, err)
	fx.c.Withdraw("T0001")

	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusFailed, "boom", "agent-1", false))

	got, _ := fx.c.GetWorkflow(wf.WorkflowID)
	assert.Equal(t, WorkflowFailed, got.Status)

	// A failed task can be sent back to pending; it becomes ready again.
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusPending, "retry", "operator", false))
	task, _ := fx.c.GetTask("T0001")
	assert.Equal(t, StatusPending, task.Status)
}

func TestCancelTaskCascadesToDependents(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	spec := WorkflowSpec{
		SessionID: "sess-1",
		Tasks: []TaskSpec{
			{ID: "a", Title: "A", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium},
			{ID: "b", Title: "B", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium},
			{ID: "c", Title: "C", Type: depgraph.TypeTesting, Priority: depgraph.PriorityMedium},
		},
		Dependencies: []DepSpec{
			{From: "a", To: "b", Type: depgraph.DepRequires},
			{From: "b", To: "c", Type: depgraph.DepRequires},
		},
	}
	wf, _, err := fx.c.CreateWorkflow(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, fx.c.CancelTask(ctx, "T0001", "scope cut", "operator"))

	got, _ := fx.c.GetWorkflow(wf.WorkflowID)
	for _, id := range []string{"T0001", "T0002", "T0003"} {
		assert.Equal(t, StatusCancelled, got.Tasks[id].Status, id)
	}
	assert.Equal(t, WorkflowCancelled, got.Status)

	// The root cancellation is manual; the cascade is automated.
	var automated int
	for _, rec := range got.History {
		if rec.IsAutomated {
			automated++
		}
	}
	assert.Equal(t, 2, automated)
}

func TestCancelTaskLeavesStartedDependentsAlone(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	spec := twoTaskSpec()
	spec.Dependencies[0].Type = depgraph.DepSuggests
	_, _, err := fx.c.CreateWorkflow(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, fx.c.Transition(ctx, "T0002", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.CancelTask(ctx, "T0001", "scope cut", "operator"))

	task, _ := fx.c.GetTask("T0002")
	assert.Equal(t, StatusInProgress, task.Status)
}

func TestCancelWorkflowForcesUnacknowledged(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Execution.CancelAckTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	wf, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))

	// The agent never acknowledges; the deadline forces the cancellation.
	require.NoError(t, fx.c.CancelWorkflow(ctx, wf.WorkflowID, "shutdown"))

	got, _ := fx.c.GetWorkflow(wf.WorkflowID)
	assert.Equal(t, WorkflowCancelled, got.Status)
	assert.Equal(t, PhaseCleanup, got.Phase)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, StatusCancelled, got.Tasks["T0001"].Status)
	assert.Equal(t, StatusCancelled, got.Tasks["T0002"].Status)
	assert.True(t, fx.agents.releasedWith("T0001", "cancelled"))
}

func TestCancelWorkflowWaitsForAck(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Execution.CancelAckTimeout = 5 * time.Second
	})
	ctx := context.Background()

	wf, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))

	done := make(chan error, 1)
	go func() { done <- fx.c.CancelWorkflow(ctx, wf.WorkflowID, "shutdown") }()

	// The agent sees the released claim and reports its own cancellation.
	require.Eventually(t, func() bool {
		return fx.agents.releasedWith("T0001", "cancelled")
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusCancelled, "acknowledged", "agent-1", false))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("cancel did not return after acknowledgement")
	}

	got, _ := fx.c.GetWorkflow(wf.WorkflowID)
	assert.Equal(t, WorkflowCancelled, got.Status)
}

func TestRequeueInterruptedTaskKeepsAuditTrail(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	wf, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)
	fx.c.Withdraw("T0001")
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))

	fx.c.Requeue(ctx, "T0001", "claim expired")

	task, _ := fx.c.GetTask("T0001")
	assert.Equal(t, StatusPending, task.Status)

	// The interruption shows up as failed then pending, not as a silent edit.
	got, _ := fx.c.GetWorkflow(wf.WorkflowID)
	n := len(got.History)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, StatusFailed, got.History[n-2].To)
	assert.Equal(t, StatusPending, got.History[n-1].To)
	assert.Equal(t, "claim expired", got.History[n-1].Reason)

	next, ok := fx.c.TryNextReady()
	require.True(t, ok)
	assert.Equal(t, "T0001", next)
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	wf, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)

	err = fx.c.AddDependency(ctx, wf.WorkflowID, "T0002", "T0001", depgraph.DepRequires)
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.DependencyCycle))

	// A soft edge in the same direction is fine.
	require.NoError(t, fx.c.AddDependency(ctx, wf.WorkflowID, "T0002", "T0001", depgraph.DepSuggests))
}

func TestHistoryIsBounded(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Execution.MaxWorkflowHistory = 4
	})
	ctx := context.Background()

	spec := WorkflowSpec{
		SessionID: "sess-1",
		Tasks:     []TaskSpec{{ID: "churn", Title: "Churn", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium}},
	}
	wf, _, err := fx.c.CreateWorkflow(ctx, spec)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))
		require.NoError(t, fx.c.Transition(ctx, "T0001", StatusFailed, "boom", "agent-1", false))
		require.NoError(t, fx.c.Transition(ctx, "T0001", StatusPending, "retry", "operator", false))
	}

	got, _ := fx.c.GetWorkflow(wf.WorkflowID)
	assert.Len(t, got.History, 4)
	// The newest entries survive.
	assert.Equal(t, StatusPending, got.History[3].To)
}

func TestAttachResult(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)

	// Results only attach to running tasks.
	err = fx.c.AttachResult("T0001", map[string]any{"ok": true})
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.Conflict))

	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.AttachResult("T0001", map[string]any{"ok": true}))
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusCompleted, "done", "agent-1", false))

	task, _ := fx.c.GetTask("T0001")
	assert.NotNil(t, task.Result)

	err = fx.c.AttachResult("T9999", nil)
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.NotFound))
}

func TestLoadPersistedRevivesInterruptedTasks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	wf, _, err := fx.c.CreateWorkflow(ctx, twoTaskSpec())
	require.NoError(t, err)
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))

	// Simulate a crash: a fresh coordinator over the same store.
	next := fx.rebuild(t)
	sub := next.wfEvts.Subscribe(ctx)
	require.NoError(t, next.c.LoadPersisted(ctx))

	got, ok := next.c.GetWorkflow(wf.WorkflowID)
	require.True(t, ok)
	task := got.Tasks["T0001"]
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, task.AssignedAgent)

	// The interruption is audited as failed then pending.
	n := len(got.History)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, "recovered_from_crash", got.History[n-1].Reason)
	assert.True(t, got.History[n-1].IsAutomated)

	assert.Contains(t, drainWorkflowEvents(sub), events.WorkflowRecovered)

	// The revived task is ready again.
	nextID, popped := next.c.TryNextReady()
	require.True(t, popped)
	assert.Equal(t, "T0001", nextID)
}

func TestLoadPersistedLeavesTerminalWorkflowsAlone(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	spec := WorkflowSpec{
		SessionID: "sess-1",
		Tasks:     []TaskSpec{{ID: "one", Title: "One", Type: depgraph.TypeDevelopment, Priority: depgraph.PriorityMedium}},
	}
	wf, _, err := fx.c.CreateWorkflow(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusInProgress, "claimed", "agent-1", false))
	require.NoError(t, fx.c.Transition(ctx, "T0001", StatusCompleted, "done", "agent-1", false))

	next := fx.rebuild(t)
	require.NoError(t, next.c.LoadPersisted(ctx))

	got, ok := next.c.GetWorkflow(wf.WorkflowID)
	require.True(t, ok)
	assert.Equal(t, WorkflowCompleted, got.Status)
	assert.Zero(t, next.c.QueueLen())
}
