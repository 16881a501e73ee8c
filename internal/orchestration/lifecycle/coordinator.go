package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/depgraph"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/metrics"
	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
	"github.com/flowline-dev/flowline/internal/orchestration/queue"
	"github.com/flowline-dev/flowline/internal/pubsub"
	"github.com/flowline-dev/flowline/internal/store"
)

// Task is the scheduling unit, owned and mutated only by the coordinator.
type Task struct {
	TaskID               string            `json:"taskId"`
	WorkflowID           string            `json:"workflowId"`
	ProjectID            string            `json:"projectId,omitempty"`
	EpicID               string            `json:"epicId,omitempty"`
	Title                string            `json:"title"`
	Type                 depgraph.TaskType `json:"type"`
	Priority             depgraph.Priority `json:"priority"`
	Status               TaskStatus        `json:"status"`
	EstimatedHours       float64           `json:"estimatedHours,omitempty"`
	FilePaths            []string          `json:"filePaths,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	AssignedAgent        string            `json:"assignedAgent,omitempty"`
	Result               any               `json:"result,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// TransitionRecord is one history entry: which task moved, and how.
type TransitionRecord struct {
	TaskID string `json:"taskId"`
	Transition
}

// Workflow is a correlated set of tasks for one request.
type Workflow struct {
	WorkflowID   string                `json:"workflowId"`
	SessionID    string                `json:"sessionId"`
	ProjectID    string                `json:"projectId,omitempty"`
	Phase        WorkflowPhase         `json:"phase"`
	Status       WorkflowStatus        `json:"status"`
	StartTime    time.Time             `json:"startTime"`
	EndTime      *time.Time            `json:"endTime,omitempty"`
	TaskOrder    []string              `json:"taskOrder"`
	Tasks        map[string]*Task      `json:"tasks"`
	Dependencies []depgraph.Dependency `json:"dependencies"`

	// ExecutionOrder is the topological order computed at creation.
	ExecutionOrder []string `json:"executionOrder"`

	// History is the bounded append-only transition log.
	History []TransitionRecord `json:"history"`
}

// Agents is the slice of the agent orchestrator the coordinator needs.
type Agents interface {
	// Assign selects an agent for the task, or fails with a
	// ResourceExhausted error when none qualifies.
	Assign(ctx context.Context, taskID string, required []string) (agentID string, err error)
	// Release drops any claim on the task, labelled with a reason.
	Release(ctx context.Context, taskID, reason string)
	// RecordOutcome updates the agent's success history.
	RecordOutcome(agentID string, succeeded bool)
}

// History receives every accepted transition for durable audit. A nil
// History disables the audit trail.
type History interface {
	Append(ctx context.Context, workflowID string, rec TransitionRecord, limit int) error
}

// Deps carries the coordinator's collaborators.
type Deps struct {
	Exec           config.ExecutionConfig
	Graph          config.GraphConfig
	Clock          ident.Clock
	Store          *store.Store
	IDs            *ident.Generator
	Agents         Agents
	History        History
	TaskEvents     *pubsub.Broker[events.TaskEvent]
	WorkflowEvents *pubsub.Broker[events.WorkflowEvent]
	Metrics        *metrics.Metrics
}

// workflowState pairs a workflow with its coordinator lock. Different
// workflows are independent; the map itself is guarded by Coordinator.mu.
type workflowState struct {
	mu sync.Mutex
	wf *Workflow
}

// Coordinator enforces the task state machine and drives execution.
type Coordinator struct {
	cfg       config.ExecutionConfig
	clock     ident.Clock
	store     *store.Store
	ids       *ident.Generator
	validator *depgraph.Validator
	agents    Agents
	history   History
	taskEvts  *pubsub.Broker[events.TaskEvent]
	wfEvts    *pubsub.Broker[events.WorkflowEvent]
	met       *metrics.Metrics
	queue     *queue.TaskQueue

	mu        sync.RWMutex
	workflows map[string]*workflowState
	taskIndex map[string]string // task ID -> workflow ID

	execMu  sync.Mutex
	waiters map[string]chan TaskStatus // running tasks awaiting a terminal status
	acks    map[string]chan struct{}   // cancellation acks
}

// NewCoordinator wires the coordinator. Store must be rooted at the
// workflows directory.
func NewCoordinator(d Deps) *Coordinator {
	capacity := d.Exec.QueueCapacity
	if capacity <= 0 {
		capacity = queue.DefaultCapacity
	}
	return &Coordinator{
		cfg:       d.Exec,
		clock:     d.Clock,
		store:     d.Store,
		ids:       d.IDs,
		validator: depgraph.NewValidator(d.Graph),
		agents:    d.Agents,
		history:   d.History,
		taskEvts:  d.TaskEvents,
		wfEvts:    d.WorkflowEvents,
		met:       d.Metrics,
		queue:     queue.New(capacity),
		workflows: make(map[string]*workflowState),
		taskIndex: make(map[string]string),
		waiters:   make(map[string]chan TaskStatus),
		acks:      make(map[string]chan struct{}),
	}
}

// TaskEvents returns the broker carrying accepted transitions.
func (c *Coordinator) TaskEvents() *pubsub.Broker[events.TaskEvent] {
	return c.taskEvts
}

// WorkflowEvents returns the broker carrying workflow lifecycle changes.
func (c *Coordinator) WorkflowEvents() *pubsub.Broker[events.WorkflowEvent] {
	return c.wfEvts
}

// TaskSpec describes one task in a submitted set. ID is the submitter's
// local name, replaced by an allocated task ID on acceptance.
type TaskSpec struct {
	ID                   string            `yaml:"id" json:"id"`
	Title                string            `yaml:"title" json:"title"`
	Type                 depgraph.TaskType `yaml:"type" json:"type"`
	Priority             depgraph.Priority `yaml:"priority" json:"priority"`
	EpicID               string            `yaml:"epicId" json:"epicId,omitempty"`
	EstimatedHours       float64           `yaml:"estimatedHours" json:"estimatedHours,omitempty"`
	FilePaths            []string          `yaml:"filePaths" json:"filePaths,omitempty"`
	RequiredCapabilities []string          `yaml:"requiredCapabilities" json:"requiredCapabilities,omitempty"`
}

// DepSpec is a dependency between two local task names.
type DepSpec struct {
	From string                  `yaml:"from" json:"from"`
	To   string                  `yaml:"to" json:"to"`
	Type depgraph.DependencyType `yaml:"type" json:"type"`
}

// WorkflowSpec is a full task-set submission.
type WorkflowSpec struct {
	SessionID    string     `yaml:"-" json:"-"`
	ProjectID    string     `yaml:"projectId" json:"projectId,omitempty"`
	Tasks        []TaskSpec `yaml:"tasks" json:"tasks"`
	Dependencies []DepSpec  `yaml:"dependencies" json:"dependencies,omitempty"`
}

// CreateWorkflow validates a task set, allocates IDs, persists the new
// workflow, and enqueues its ready tasks. The validation report is returned
// in both the accepted and rejected cases so callers can surface diagnostics.
func (c *Coordinator) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (Workflow, depgraph.Report, error) {
	if len(spec.Tasks) == 0 {
		return Workflow{}, depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "CreateWorkflow", "task set is empty")
	}

	now := c.clock.Now()

	// Allocate real task IDs, preserving submission order.
	local := make(map[string]string, len(spec.Tasks))
	tasks := make([]*Task, 0, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		if ts.ID == "" {
			return Workflow{}, depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "CreateWorkflow", "task is missing an id")
		}
		if _, dup := local[ts.ID]; dup {
			return Workflow{}, depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "CreateWorkflow", "duplicate task id").
				WithEntities(ts.ID)
		}
		taskID, err := c.ids.NextTaskID()
		if err != nil {
			return Workflow{}, depgraph.Report{}, err
		}
		local[ts.ID] = taskID
		tasks = append(tasks, &Task{
			TaskID:               taskID,
			ProjectID:            spec.ProjectID,
			EpicID:               ts.EpicID,
			Title:                ts.Title,
			Type:                 ts.Type,
			Priority:             ts.Priority,
			Status:               StatusPending,
			EstimatedHours:       ts.EstimatedHours,
			FilePaths:            append([]string(nil), ts.FilePaths...),
			RequiredCapabilities: append([]string(nil), ts.RequiredCapabilities...),
			CreatedAt:            now,
			UpdatedAt:            now,
		})
	}

	deps := make([]depgraph.Dependency, 0, len(spec.Dependencies))
	for _, ds := range spec.Dependencies {
		from, fromOK := local[ds.From]
		to, toOK := local[ds.To]
		if !fromOK || !toOK {
			return Workflow{}, depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "CreateWorkflow", "dependency references unknown task").
				WithMeta("from", ds.From).WithMeta("to", ds.To)
		}
		depID, err := c.ids.NextDependencyID(from, to)
		if err != nil {
			return Workflow{}, depgraph.Report{}, err
		}
		deps = append(deps, depgraph.Dependency{ID: depID, From: from, To: to, Type: ds.Type})
	}

	report := c.validator.Validate(graphTasks(tasks), deps)
	if !report.Valid() {
		kind := oerr.Validation
		if len(report.CircularDependencies) > 0 {
			kind = oerr.DependencyCycle
		}
		return Workflow{}, report, oerr.E(kind, "lifecycle", "CreateWorkflow", "task set rejected").
			WithMeta("cycles", len(report.CircularDependencies)).
			WithMeta("errors", len(report.Errors))
	}

	wf := &Workflow{
		WorkflowID:     uuid.NewString(),
		SessionID:      spec.SessionID,
		ProjectID:      spec.ProjectID,
		Phase:          PhaseExecution,
		Status:         WorkflowRunning,
		StartTime:      now,
		TaskOrder:      make([]string, 0, len(tasks)),
		Tasks:          make(map[string]*Task, len(tasks)),
		Dependencies:   deps,
		ExecutionOrder: report.ExecutionOrder,
	}
	for _, t := range tasks {
		t.WorkflowID = wf.WorkflowID
		wf.TaskOrder = append(wf.TaskOrder, t.TaskID)
		wf.Tasks[t.TaskID] = t
	}

	ws := &workflowState{wf: wf}
	c.mu.Lock()
	c.workflows[wf.WorkflowID] = ws
	for _, t := range tasks {
		c.taskIndex[t.TaskID] = wf.WorkflowID
	}
	c.mu.Unlock()

	ws.mu.Lock()
	snapshot := wf.clone()
	ws.mu.Unlock()
	if err := c.persist(ctx, snapshot); err != nil {
		return Workflow{}, report, err
	}

	c.emitWorkflow(ctx, snapshot, events.WorkflowCreated)
	log.Info(log.CatLifecycle, "Workflow created",
		"workflowId", wf.WorkflowID, "tasks", len(tasks), "dependencies", len(deps))

	c.enqueueReady(ctx, wf.WorkflowID)
	return snapshot, report, nil
}

// ValidateSpec runs dependency validation on a task set without allocating
// IDs or creating a workflow. Submitter-local task names are used as-is.
func (c *Coordinator) ValidateSpec(spec WorkflowSpec) (depgraph.Report, error) {
	if len(spec.Tasks) == 0 {
		return depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "ValidateSpec", "task set is empty")
	}

	now := c.clock.Now()
	seen := make(map[string]bool, len(spec.Tasks))
	tasks := make([]depgraph.Task, 0, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		if ts.ID == "" {
			return depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "ValidateSpec", "task is missing an id")
		}
		if seen[ts.ID] {
			return depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "ValidateSpec", "duplicate task id").
				WithEntities(ts.ID)
		}
		seen[ts.ID] = true
		tasks = append(tasks, depgraph.Task{
			TaskID:         ts.ID,
			EpicID:         ts.EpicID,
			Title:          ts.Title,
			Type:           ts.Type,
			Priority:       ts.Priority,
			EstimatedHours: ts.EstimatedHours,
			FilePaths:      ts.FilePaths,
			CreatedAt:      now,
		})
	}

	deps := make([]depgraph.Dependency, 0, len(spec.Dependencies))
	for i, ds := range spec.Dependencies {
		if !seen[ds.From] || !seen[ds.To] {
			return depgraph.Report{}, oerr.E(oerr.Validation, "lifecycle", "ValidateSpec", "dependency references unknown task").
				WithMeta("from", ds.From).WithMeta("to", ds.To)
		}
		deps = append(deps, depgraph.Dependency{
			ID:   fmt.Sprintf("dep-%03d", i+1),
			From: ds.From,
			To:   ds.To,
			Type: ds.Type,
		})
	}

	return c.validator.Validate(tasks, deps), nil
}

// AttachResult stores an agent-reported result on a task. The task must be
// in progress; results on settled tasks are rejected.
func (c *Coordinator) AttachResult(taskID string, result any) error {
	ws := c.stateForTask(taskID)
	if ws == nil {
		return oerr.E(oerr.NotFound, "lifecycle", "AttachResult", "task not found").WithEntities(taskID)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	t, ok := ws.wf.Tasks[taskID]
	if !ok {
		return oerr.E(oerr.NotFound, "lifecycle", "AttachResult", "task not found").WithEntities(taskID)
	}
	if t.Status != StatusInProgress {
		return oerr.E(oerr.Conflict, "lifecycle", "AttachResult", "task is not in progress").
			WithEntities(taskID).WithMeta("status", string(t.Status))
	}
	t.Result = result
	t.UpdatedAt = c.clock.Now()
	return nil
}

// GetWorkflow returns a copy of the workflow.
func (c *Coordinator) GetWorkflow(workflowID string) (Workflow, bool) {
	ws := c.state(workflowID)
	if ws == nil {
		return Workflow{}, false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.wf.clone(), true
}

// GetTask returns a copy of the task.
func (c *Coordinator) GetTask(taskID string) (Task, bool) {
	ws := c.stateForTask(taskID)
	if ws == nil {
		return Task{}, false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	t, ok := ws.wf.Tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// ListWorkflows returns copies of all workflows, newest first.
func (c *Coordinator) ListWorkflows() []Workflow {
	c.mu.RLock()
	states := make([]*workflowState, 0, len(c.workflows))
	for _, ws := range c.workflows {
		states = append(states, ws)
	}
	c.mu.RUnlock()

	out := make([]Workflow, 0, len(states))
	for _, ws := range states {
		ws.mu.Lock()
		out = append(out, ws.wf.clone())
		ws.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out
}

// Transition applies one task state change. Illegal transitions fail with a
// Conflict carrying the legal successors; a task cannot complete while any
// of its hard dependencies is incomplete. Accepted transitions are recorded
// in the bounded history, persisted, audited, and emitted.
func (c *Coordinator) Transition(ctx context.Context, taskID string, to TaskStatus, reason, triggeredBy string, automated bool) error {
	if !to.Valid() {
		return oerr.E(oerr.Validation, "lifecycle", "Transition", "unknown status").
			WithEntities(taskID).WithMeta("to", string(to))
	}

	ws := c.stateForTask(taskID)
	if ws == nil {
		return oerr.E(oerr.NotFound, "lifecycle", "Transition", "task not found").WithEntities(taskID)
	}

	now := c.clock.Now()

	ws.mu.Lock()
	wf := ws.wf
	task, ok := wf.Tasks[taskID]
	if !ok {
		ws.mu.Unlock()
		return oerr.E(oerr.NotFound, "lifecycle", "Transition", "task not found").WithEntities(taskID)
	}
	from := task.Status
	if !CanTransition(from, to) {
		ws.mu.Unlock()
		return invalidTransition(taskID, from, to)
	}
	if to == StatusCompleted {
		if blocker := incompleteDependency(wf, taskID); blocker != "" {
			ws.mu.Unlock()
			return oerr.E(oerr.Conflict, "lifecycle", "Transition", "dependency not completed").
				WithEntities(taskID, blocker)
		}
	}

	task.Status = to
	task.UpdatedAt = now
	rec := TransitionRecord{
		TaskID: taskID,
		Transition: Transition{
			From: from, To: to, Timestamp: now,
			Reason: reason, TriggeredBy: triggeredBy, IsAutomated: automated,
		},
	}
	wf.History = append(wf.History, rec)
	if len(wf.History) > c.cfg.MaxWorkflowHistory {
		wf.History = wf.History[len(wf.History)-c.cfg.MaxWorkflowHistory:]
	}
	agentID := task.AssignedAgent
	workflowID := wf.WorkflowID
	snapshot := wf.clone()
	ws.mu.Unlock()

	if err := c.persist(ctx, snapshot); err != nil {
		return err
	}
	if c.history != nil {
		if err := c.history.Append(ctx, workflowID, rec, c.cfg.MaxWorkflowHistory); err != nil {
			log.Warn(log.CatLifecycle, "Failed to append transition history",
				"taskId", taskID, "error", err)
		}
	}

	c.met.TaskTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	c.taskEvts.PublishSync(ctx, pubsub.UpdatedEvent, events.TaskEvent{
		WorkflowID: workflowID, TaskID: taskID,
		From: string(from), To: string(to),
		Reason: reason, TriggeredBy: triggeredBy, IsAutomated: automated,
		Timestamp: now,
	})
	log.Debug(log.CatLifecycle, "Task transition",
		"taskId", taskID, "from", from, "to", to, "reason", reason)

	c.afterTransition(ctx, workflowID, taskID, from, to, agentID)
	return nil
}

// afterTransition runs the side effects of an accepted transition outside
// the workflow lock: waiter notification, claim release, readiness
// re-evaluation, and workflow completion.
func (c *Coordinator) afterTransition(ctx context.Context, workflowID, taskID string, from, to TaskStatus, agentID string) {
	if to.Terminal() {
		c.notifyTerminal(taskID, to)
		c.queue.Remove(taskID)
		c.updateQueueGauge()

		switch to {
		case StatusCompleted:
			c.agents.Release(ctx, taskID, "completed")
			if agentID != "" {
				c.agents.RecordOutcome(agentID, true)
			}
			c.enqueueReady(ctx, workflowID)
		case StatusFailed:
			c.agents.Release(ctx, taskID, "failed")
			if agentID != "" && from == StatusInProgress {
				c.agents.RecordOutcome(agentID, false)
			}
		case StatusCancelled:
			c.agents.Release(ctx, taskID, "cancelled")
		}
		c.evaluateWorkflow(ctx, workflowID)
		return
	}

	// A revived task competes for execution again.
	if to == StatusPending && (from == StatusFailed || from == StatusCancelled) {
		c.enqueueReady(ctx, workflowID)
	}
	if to == StatusBlocked {
		c.agents.Release(ctx, taskID, "blocked")
	}
}

// incompleteDependency returns the first hard dependency of taskID that is
// not completed, or "" when all are. Callers hold the workflow lock.
func incompleteDependency(wf *Workflow, taskID string) string {
	for _, d := range wf.Dependencies {
		if d.Type != depgraph.DepRequires || d.To != taskID {
			continue
		}
		if dep, ok := wf.Tasks[d.From]; ok && dep.Status != StatusCompleted {
			return d.From
		}
	}
	return ""
}

// AddDependency adds a hard or soft edge to a live workflow after checking
// it would not create a cycle.
func (c *Coordinator) AddDependency(ctx context.Context, workflowID, from, to string, depType depgraph.DependencyType) error {
	if !depType.Valid() {
		return oerr.E(oerr.Validation, "lifecycle", "AddDependency", "invalid dependency type").
			WithMeta("type", string(depType))
	}
	ws := c.state(workflowID)
	if ws == nil {
		return oerr.E(oerr.NotFound, "lifecycle", "AddDependency", "workflow not found").WithEntities(workflowID)
	}

	ws.mu.Lock()
	wf := ws.wf
	if _, ok := wf.Tasks[from]; !ok {
		ws.mu.Unlock()
		return oerr.E(oerr.NotFound, "lifecycle", "AddDependency", "task not found").WithEntities(from)
	}
	if _, ok := wf.Tasks[to]; !ok {
		ws.mu.Unlock()
		return oerr.E(oerr.NotFound, "lifecycle", "AddDependency", "task not found").WithEntities(to)
	}
	if depType == depgraph.DepRequires {
		if cyclic, witness := depgraph.WouldCreateCycle(wf.Dependencies, from, to); cyclic {
			ws.mu.Unlock()
			return oerr.E(oerr.DependencyCycle, "lifecycle", "AddDependency", "dependency would create a cycle").
				WithEntities(from, to).WithMeta("path", witness)
		}
	}
	depID, err := c.ids.NextDependencyID(from, to)
	if err != nil {
		ws.mu.Unlock()
		return err
	}
	wf.Dependencies = append(wf.Dependencies, depgraph.Dependency{ID: depID, From: from, To: to, Type: depType})
	snapshot := wf.clone()
	ws.mu.Unlock()

	return c.persist(ctx, snapshot)
}

// CancelTask cancels one task plus its transitively dependent tasks that
// have not started yet.
func (c *Coordinator) CancelTask(ctx context.Context, taskID, reason, triggeredBy string) error {
	ws := c.stateForTask(taskID)
	if ws == nil {
		return oerr.E(oerr.NotFound, "lifecycle", "CancelTask", "task not found").WithEntities(taskID)
	}

	ws.mu.Lock()
	wf := ws.wf
	task, ok := wf.Tasks[taskID]
	if !ok {
		ws.mu.Unlock()
		return oerr.E(oerr.NotFound, "lifecycle", "CancelTask", "task not found").WithEntities(taskID)
	}
	if !CanTransition(task.Status, StatusCancelled) {
		from := task.Status
		ws.mu.Unlock()
		return invalidTransition(taskID, from, StatusCancelled)
	}

	// Transitive dependents that have not started are cancelled with it.
	victims := []string{taskID}
	for _, dep := range dependentsOf(wf, taskID) {
		if t, live := wf.Tasks[dep]; live && (t.Status == StatusPending || t.Status == StatusBlocked) {
			victims = append(victims, dep)
		}
	}
	workflowID := wf.WorkflowID
	ws.mu.Unlock()

	for _, id := range victims {
		if err := c.Transition(ctx, id, StatusCancelled, reason, triggeredBy, id != taskID); err != nil {
			if !oerr.IsKind(err, oerr.Conflict) {
				return err
			}
		}
	}
	log.Info(log.CatLifecycle, "Task cancelled",
		"taskId", taskID, "workflowId", workflowID, "dependents", len(victims)-1)
	return nil
}

// CancelWorkflow cancels every non-terminal task. Tasks in flight are
// signalled and given cancelAckTimeout to acknowledge before being forced.
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	ws := c.state(workflowID)
	if ws == nil {
		return oerr.E(oerr.NotFound, "lifecycle", "CancelWorkflow", "workflow not found").WithEntities(workflowID)
	}

	ws.mu.Lock()
	var idle, inFlight []string
	for _, id := range ws.wf.TaskOrder {
		switch ws.wf.Tasks[id].Status {
		case StatusPending, StatusBlocked:
			idle = append(idle, id)
		case StatusInProgress:
			inFlight = append(inFlight, id)
		}
	}
	ws.mu.Unlock()

	for _, id := range idle {
		if err := c.Transition(ctx, id, StatusCancelled, reason, "coordinator", true); err != nil {
			return err
		}
	}

	// Cancellation is cooperative: release the claims so agents see the
	// abort, then wait for their final report up to the ack timeout.
	var acks []<-chan struct{}
	for _, id := range inFlight {
		acks = append(acks, c.registerAck(id))
		c.agents.Release(ctx, id, "cancelled")
	}
	if len(inFlight) > 0 {
		deadline := time.NewTimer(c.cfg.CancelAckTimeout)
		defer deadline.Stop()
	wait:
		for _, ack := range acks {
			select {
			case <-ack:
			case <-deadline.C:
				break wait
			case <-ctx.Done():
				break wait
			}
		}
		for i, id := range inFlight {
			c.dropAck(id, acks[i])
			if err := c.Transition(ctx, id, StatusCancelled, reason, "coordinator", true); err != nil {
				if !oerr.IsKind(err, oerr.Conflict) {
					return err
				}
			}
		}
	}

	now := c.clock.Now()
	ws.mu.Lock()
	wf := ws.wf
	if !wf.Status.Terminal() {
		wf.Status = WorkflowCancelled
		wf.Phase = PhaseCleanup
		wf.EndTime = &now
	}
	snapshot := wf.clone()
	ws.mu.Unlock()

	if err := c.persist(ctx, snapshot); err != nil {
		return err
	}
	c.emitWorkflow(ctx, snapshot, events.WorkflowCancelled)
	log.Info(log.CatLifecycle, "Workflow cancelled", "workflowId", workflowID, "reason", reason)
	return nil
}

// Requeue returns a task to the ready queue after its claim was lost. A
// task caught mid-flight is failed first, then revived, keeping the audit
// trail honest about the interruption.
func (c *Coordinator) Requeue(ctx context.Context, taskID, reason string) {
	task, ok := c.GetTask(taskID)
	if !ok {
		return
	}

	switch task.Status {
	case StatusInProgress:
		if err := c.Transition(ctx, taskID, StatusFailed, reason, "coordinator", true); err != nil {
			log.Warn(log.CatLifecycle, "Requeue interrupt failed", "taskId", taskID, "error", err)
			return
		}
		if err := c.Transition(ctx, taskID, StatusPending, reason, "coordinator", true); err != nil {
			log.Warn(log.CatLifecycle, "Requeue revive failed", "taskId", taskID, "error", err)
			return
		}
	case StatusPending:
		// Already pending; just offer it to the queue again below.
	default:
		return
	}

	c.enqueueReady(ctx, task.WorkflowID)
}

// enqueueReady pushes every ready task of the workflow onto the execution
// queue, in execution order.
func (c *Coordinator) enqueueReady(ctx context.Context, workflowID string) {
	ws := c.state(workflowID)
	if ws == nil {
		return
	}

	ws.mu.Lock()
	wf := ws.wf
	var ready []string
	order := wf.ExecutionOrder
	if len(order) == 0 {
		order = wf.TaskOrder
	}
	for _, id := range order {
		t, ok := wf.Tasks[id]
		if !ok || t.Status != StatusPending {
			continue
		}
		if incompleteDependency(wf, id) == "" {
			ready = append(ready, id)
		}
	}
	done := wf.Status.Terminal()
	ws.mu.Unlock()

	if done {
		return
	}
	for _, id := range ready {
		if err := c.queue.Push(ctx, id); err != nil {
			log.Warn(log.CatLifecycle, "Failed to enqueue ready task", "taskId", id, "error", err)
			return
		}
	}
	c.updateQueueGauge()
}

// evaluateWorkflow finalizes the workflow once every task is terminal.
func (c *Coordinator) evaluateWorkflow(ctx context.Context, workflowID string) {
	ws := c.state(workflowID)
	if ws == nil {
		return
	}

	now := c.clock.Now()

	ws.mu.Lock()
	wf := ws.wf
	if wf.Status.Terminal() {
		ws.mu.Unlock()
		return
	}
	var failed, cancelled int
	for _, t := range wf.Tasks {
		if !t.Status.Terminal() {
			ws.mu.Unlock()
			return
		}
		switch t.Status {
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	evtType := events.WorkflowCompleted
	switch {
	case failed > 0:
		wf.Status = WorkflowFailed
		evtType = events.WorkflowFailed
	case cancelled > 0:
		wf.Status = WorkflowCancelled
		evtType = events.WorkflowCancelled
	default:
		wf.Status = WorkflowCompleted
	}
	wf.Phase = PhaseCleanup
	wf.EndTime = &now
	snapshot := wf.clone()
	ws.mu.Unlock()

	if err := c.persist(ctx, snapshot); err != nil {
		log.Warn(log.CatLifecycle, "Failed to persist finished workflow",
			"workflowId", workflowID, "error", err)
	}
	c.emitWorkflow(ctx, snapshot, evtType)
	log.Info(log.CatLifecycle, "Workflow finished",
		"workflowId", workflowID, "status", snapshot.Status)
}

// dependentsOf returns every task transitively blocked by taskID over hard
// edges. Callers hold the workflow lock.
func dependentsOf(wf *Workflow, taskID string) []string {
	adj := make(map[string][]string)
	for _, d := range wf.Dependencies {
		if d.Type == depgraph.DepRequires {
			adj[d.From] = append(adj[d.From], d.To)
		}
	}
	seen := map[string]bool{taskID: true}
	var out []string
	stack := []string{taskID}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				stack = append(stack, next)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) state(workflowID string) *workflowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workflows[workflowID]
}

func (c *Coordinator) stateForTask(taskID string) *workflowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wfID, ok := c.taskIndex[taskID]
	if !ok {
		return nil
	}
	return c.workflows[wfID]
}

func (c *Coordinator) emitWorkflow(ctx context.Context, wf Workflow, t events.WorkflowEventType) {
	c.wfEvts.PublishSync(ctx, pubsub.UpdatedEvent, events.WorkflowEvent{
		Type:       t,
		WorkflowID: wf.WorkflowID,
		SessionID:  wf.SessionID,
		Phase:      string(wf.Phase),
		Status:     string(wf.Status),
		Timestamp:  c.clock.Now(),
	})
}

func (c *Coordinator) updateQueueGauge() {
	c.met.QueueDepth.Set(float64(c.queue.Len()))
}

// graphTasks projects coordinator tasks into the validator's view.
func graphTasks(tasks []*Task) []depgraph.Task {
	out := make([]depgraph.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, depgraph.Task{
			TaskID:         t.TaskID,
			EpicID:         t.EpicID,
			Title:          t.Title,
			Type:           t.Type,
			Priority:       t.Priority,
			EstimatedHours: t.EstimatedHours,
			FilePaths:      t.FilePaths,
			CreatedAt:      t.CreatedAt,
		})
	}
	return out
}

func (t *Task) clone() Task {
	c := *t
	c.FilePaths = append([]string(nil), t.FilePaths...)
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return c
}

func (w *Workflow) clone() Workflow {
	c := *w
	c.TaskOrder = append([]string(nil), w.TaskOrder...)
	c.ExecutionOrder = append([]string(nil), w.ExecutionOrder...)
	c.Dependencies = append([]depgraph.Dependency(nil), w.Dependencies...)
	c.History = append([]TransitionRecord(nil), w.History...)
	c.Tasks = make(map[string]*Task, len(w.Tasks))
	for id, t := range w.Tasks {
		cp := t.clone()
		c.Tasks[id] = &cp
	}
	if w.EndTime != nil {
		end := *w.EndTime
		c.EndTime = &end
	}
	return c
}
