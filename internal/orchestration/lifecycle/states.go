// Package lifecycle implements the unified lifecycle and execution
// coordinator: the task state machine, workflow records, the execution
// worker loop, cancellation propagation, and workflow persistence.
package lifecycle

import (
	"time"

	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

// TaskStatus is a task's position in the state machine.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// allStatuses in declaration order, for property enumeration and messages.
var allStatuses = []TaskStatus{
	StatusPending, StatusInProgress, StatusBlocked,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Terminal reports whether s ends a task's active life. Terminal tasks can
// still be cancelled, and failed or cancelled tasks revived to pending, but
// they no longer occupy an execution slot.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// transitions is the single authoritative legality table.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress, StatusCancelled, StatusBlocked},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled},
	StatusBlocked:    {StatusInProgress, StatusCancelled, StatusFailed},
	StatusCompleted:  {StatusCancelled},
	StatusFailed:     {StatusPending, StatusCancelled},
	StatusCancelled:  {StatusPending},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the statuses reachable from from.
func ValidTransitions(from TaskStatus) []TaskStatus {
	return append([]TaskStatus(nil), transitions[from]...)
}

// invalidTransition builds the Conflict error carrying the legal successors.
func invalidTransition(taskID string, from, to TaskStatus) error {
	valid := make([]string, 0, len(transitions[from]))
	for _, s := range transitions[from] {
		valid = append(valid, string(s))
	}
	return oerr.E(oerr.Conflict, "lifecycle", "Transition", "illegal task transition").
		WithEntities(taskID).
		WithMeta("from", string(from)).
		WithMeta("to", string(to)).
		WithMeta("validTransitions", valid)
}

// Transition is one accepted state change, recorded in the task's history.
type Transition struct {
	From        TaskStatus `json:"from"`
	To          TaskStatus `json:"to"`
	Timestamp   time.Time  `json:"timestamp"`
	Reason      string     `json:"reason,omitempty"`
	TriggeredBy string     `json:"triggeredBy,omitempty"`
	IsAutomated bool       `json:"isAutomated"`
}

// WorkflowPhase tracks where a workflow is in its overall life.
type WorkflowPhase string

const (
	PhaseDecomposition WorkflowPhase = "decomposition"
	PhaseOrchestration WorkflowPhase = "orchestration"
	PhaseExecution     WorkflowPhase = "execution"
	PhaseMonitoring    WorkflowPhase = "monitoring"
	PhaseCleanup       WorkflowPhase = "cleanup"
)

// WorkflowStatus is a workflow's aggregate state.
type WorkflowStatus string

const (
	WorkflowInitializing WorkflowStatus = "initializing"
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowPaused       WorkflowStatus = "paused"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowFailed       WorkflowStatus = "failed"
	WorkflowCancelled    WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow has finished.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}
