// Package agent implements the agent orchestrator: registration, capability
// matching, the claim protocol, and workflow-aware heartbeat tracking with
// grace periods and progress-based timeout extension.
package agent

import (
	"sort"
	"time"
)

// Status is an agent's availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Activity describes what an agent is currently doing. The activity scales
// the heartbeat timeout: long-horizon work tolerates longer silences.
type Activity string

const (
	ActivityIdle               Activity = "idle"
	ActivityDecomposition      Activity = "decomposition"
	ActivityOrchestration      Activity = "orchestration"
	ActivityTaskExecution      Activity = "task_execution"
	ActivityResearch           Activity = "research"
	ActivityContextEnrichment  Activity = "context_enrichment"
	ActivityDependencyAnalysis Activity = "dependency_analysis"
)

// Valid reports whether a is a known activity.
func (a Activity) Valid() bool {
	_, ok := defaultMultipliers[a]
	return ok
}

// IsWorkflowCritical reports whether the activity makes its agent
// workflow-critical: its timeout receives an extra fixed extension.
func (a Activity) IsWorkflowCritical() bool {
	return a == ActivityDecomposition || a == ActivityOrchestration
}

// defaultMultipliers scales the base heartbeat interval into the effective
// timeout per activity.
var defaultMultipliers = map[Activity]int{
	ActivityIdle:               2,
	ActivityTaskExecution:      6,
	ActivityContextEnrichment:  8,
	ActivityOrchestration:      10,
	ActivityDependencyAnalysis: 12,
	ActivityResearch:           15,
	ActivityDecomposition:      20,
}

// Agent is a registered worker.
type Agent struct {
	AgentID            string   `json:"agentId"`
	Name               string   `json:"name"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"maxConcurrentTasks"`
	CurrentTasks       []string `json:"currentTasks"`
	Status             Status   `json:"status"`

	LastHeartbeat      time.Time `json:"lastHeartbeat"`
	CurrentActivity    Activity  `json:"currentActivity"`
	ProgressPercentage float64   `json:"progressPercentage"`
	ActivityStartTime  time.Time `json:"activityStartTime"`
	GracePeriodCount   int       `json:"gracePeriodCount"`

	// ExpectedDuration is the agent's own estimate for the current
	// activity, declared via heartbeat. Enables adaptive extension.
	ExpectedDuration time.Duration `json:"expectedDuration,omitempty"`
	// TimeoutExtension is the accumulated progress-based extension.
	TimeoutExtension time.Duration `json:"timeoutExtension,omitempty"`

	// Success history for assignment scoring.
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
}

// Clone returns a deep copy safe to hand outside the orchestrator's lock.
func (a *Agent) Clone() Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.CurrentTasks = append([]string(nil), a.CurrentTasks...)
	return c
}

// HasCapacity reports whether the agent can take another task.
func (a *Agent) HasCapacity() bool {
	return len(a.CurrentTasks) < a.MaxConcurrentTasks
}

// CanHandle reports whether the agent's capabilities are a superset of
// required.
func (a *Agent) CanHandle(required []string) bool {
	if len(required) == 0 {
		return true
	}
	caps := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps[c] = true
	}
	for _, r := range required {
		if !caps[r] {
			return false
		}
	}
	return true
}

// SuccessRate is the fraction of finished tasks this agent completed.
// Agents with no history score a neutral 1.
func (a *Agent) SuccessRate() float64 {
	total := a.CompletedTasks + a.FailedTasks
	if total == 0 {
		return 1
	}
	return float64(a.CompletedTasks) / float64(total)
}

// removeTask drops taskID from CurrentTasks and syncs Status.
func (a *Agent) removeTask(taskID string) {
	for i, id := range a.CurrentTasks {
		if id == taskID {
			a.CurrentTasks = append(a.CurrentTasks[:i], a.CurrentTasks[i+1:]...)
			break
		}
	}
	if len(a.CurrentTasks) == 0 && a.Status == StatusBusy {
		a.Status = StatusAvailable
	}
}

// addTask appends taskID to CurrentTasks and syncs Status.
func (a *Agent) addTask(taskID string) {
	a.CurrentTasks = append(a.CurrentTasks, taskID)
	sort.Strings(a.CurrentTasks)
	a.Status = StatusBusy
}

// Claim is an agent's exclusive, time-limited hold on a task.
type Claim struct {
	TaskID    string    `json:"taskId"`
	AgentID   string    `json:"agentId"`
	ClaimedAt time.Time `json:"claimedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the claim lapsed without a progress report.
func (c Claim) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
