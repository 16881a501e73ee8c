// Package events defines typed event structures for the orchestration layer.
// These events are published via the pubsub broker and consumed by the
// transport adapter and other subscribers.
//
// Event types are organized by source:
//   - JobEvent: Job status and progress from the job controller
//   - TaskEvent: Task state transitions from the lifecycle coordinator
//   - WorkflowEvent: Workflow phase and status from the lifecycle coordinator
//   - AgentEvent: Liveness and claim activity from the agent orchestrator
package events

import "time"

// JobEventType identifies the kind of job event.
type JobEventType string

const (
	// JobStarted is emitted when a job is allocated.
	JobStarted JobEventType = "started"
	// JobProgress is emitted on every accepted job update.
	JobProgress JobEventType = "progress"
	// JobCompleted is emitted when a job reaches COMPLETED.
	JobCompleted JobEventType = "completed"
	// JobFailed is emitted when a job reaches FAILED.
	JobFailed JobEventType = "failed"
	// JobCancelled is emitted when a job reaches CANCELLED.
	JobCancelled JobEventType = "cancelled"
)

// JobEvent carries the full job record alongside the emission timestamp.
// Push subscribers receive these as jobProgress notifications.
type JobEvent struct {
	Type      JobEventType `json:"type"`
	JobID     string       `json:"jobId"`
	ToolName  string       `json:"toolName"`
	SessionID string       `json:"sessionId"`
	Status    string       `json:"status"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message,omitempty"`
	Result    any          `json:"result,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// IsTerminal reports whether the event announces a terminal job status.
func (e JobEvent) IsTerminal() bool {
	switch e.Type {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// TaskEvent records an accepted task state transition.
type TaskEvent struct {
	WorkflowID  string    `json:"workflowId"`
	TaskID      string    `json:"taskId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	IsAutomated bool      `json:"isAutomated"`
	Timestamp   time.Time `json:"timestamp"`
}

// WorkflowEventType identifies the kind of workflow event.
type WorkflowEventType string

const (
	// WorkflowCreated is emitted when a workflow is accepted and persisted.
	WorkflowCreated WorkflowEventType = "created"
	// WorkflowPhaseChange is emitted when a workflow moves between phases.
	WorkflowPhaseChange WorkflowEventType = "phase_change"
	// WorkflowCompleted is emitted when every task reached a terminal state.
	WorkflowCompleted WorkflowEventType = "completed"
	// WorkflowFailed is emitted when the workflow is halted on error.
	WorkflowFailed WorkflowEventType = "failed"
	// WorkflowCancelled is emitted when the workflow is cancelled.
	WorkflowCancelled WorkflowEventType = "cancelled"
	// WorkflowRecovered is emitted when startup recovery rebuilt the workflow.
	WorkflowRecovered WorkflowEventType = "recovered"
)

// WorkflowEvent carries workflow-level lifecycle changes.
type WorkflowEvent struct {
	Type       WorkflowEventType `json:"type"`
	WorkflowID string            `json:"workflowId"`
	SessionID  string            `json:"sessionId"`
	Phase      string            `json:"phase"`
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// AgentRegistered is emitted when an agent joins the registry.
	AgentRegistered AgentEventType = "registered"
	// AgentDeregistered is emitted when an agent is explicitly removed.
	AgentDeregistered AgentEventType = "deregistered"
	// AgentGracePeriod is emitted each time a silent agent enters a grace period.
	AgentGracePeriod AgentEventType = "grace_period"
	// AgentOffline is emitted when grace periods are exhausted.
	AgentOffline AgentEventType = "offline"
	// AgentClaimed is emitted when an agent takes a claim on a task.
	AgentClaimed AgentEventType = "claimed"
	// AgentClaimReleased is emitted when a claim expires or is released.
	AgentClaimReleased AgentEventType = "claim_released"
)

// AgentEvent carries agent liveness and claim activity.
type AgentEvent struct {
	Type    AgentEventType `json:"type"`
	AgentID string         `json:"agentId"`
	// TaskID is set for claim events.
	TaskID string `json:"taskId,omitempty"`
	// Activity is the agent's activity at emission time.
	Activity string `json:"activity,omitempty"`
	// GracePeriodCount is set for grace_period events.
	GracePeriodCount int       `json:"gracePeriodCount,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
