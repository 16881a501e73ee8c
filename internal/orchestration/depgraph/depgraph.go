// Package depgraph validates task dependency graphs: cycle detection with
// diagnostics, ordering and priority warnings, and deterministic topological
// execution order.
package depgraph

import "time"

// DependencyType distinguishes hard from soft edges. Only "requires" edges
// participate in cycle detection and execution ordering.
type DependencyType string

const (
	// DepRequires is a hard edge: the blocked task cannot start until the
	// blocking task completes.
	DepRequires DependencyType = "requires"
	// DepSuggests is a soft ordering preference.
	DepSuggests DependencyType = "suggests"
)

// Valid reports whether t is a known dependency type.
func (t DependencyType) Valid() bool {
	return t == DepRequires || t == DepSuggests
}

// Priority levels in ascending order of urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the ordinal urgency of p; unknown priorities rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

// TaskType categories with a natural workflow ordering: research precedes
// development, which precedes testing, and so on through documentation.
type TaskType string

const (
	TypeResearch      TaskType = "research"
	TypeDevelopment   TaskType = "development"
	TypeTesting       TaskType = "testing"
	TypeReview        TaskType = "review"
	TypeDeployment    TaskType = "deployment"
	TypeDocumentation TaskType = "documentation"
)

// Rank returns the position of t in the natural workflow ordering;
// unknown types rank last.
func (t TaskType) Rank() int {
	switch t {
	case TypeResearch:
		return 0
	case TypeDevelopment:
		return 1
	case TypeTesting:
		return 2
	case TypeReview:
		return 3
	case TypeDeployment:
		return 4
	case TypeDocumentation:
		return 5
	default:
		return 6
	}
}

// Task is the scheduling view of a task: just the fields the validator
// needs for diagnostics and ordering.
type Task struct {
	TaskID         string
	EpicID         string
	Title          string
	Type           TaskType
	Priority       Priority
	EstimatedHours float64
	FilePaths      []string
	CreatedAt      time.Time
}

// Dependency is a directed edge From -> To meaning From blocks To.
type Dependency struct {
	ID   string
	From string
	To   string
	Type DependencyType
}

// Severity grades a detected cycle.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Cycle is one circular dependency: the ordered loop of task IDs (first
// task repeated at the end), its severity, and resolution options.
type Cycle struct {
	Cycle             []string `json:"cycle"`
	Severity          Severity `json:"severity"`
	ResolutionOptions []string `json:"resolutionOptions"`
}

// Issue is a single error, warning, or suggestion from validation.
type Issue struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	TaskIDs []string `json:"taskIds,omitempty"`
}

// Issue codes emitted by Validate.
const (
	CodeSelfDependency   = "self_dependency"
	CodeMissingTask      = "missing_task"
	CodeInvalidDepType   = "invalid_dependency_type"
	CodePriorityInverts  = "priority_inversion"
	CodeTypeOrdering     = "type_ordering"
	CodeChainDepth       = "chain_depth"
	CodeChainLength      = "chain_length"
	CodeCrossEpic        = "cross_epic"
	CodeLargeBlocksSmall = "large_blocks_small"
	CodeSharedFiles      = "shared_file_paths"
	CodePriorityGap      = "priority_gap"
)

// Report is the structured result of validating a task set.
type Report struct {
	CircularDependencies []Cycle `json:"circularDependencies"`
	Errors               []Issue `json:"errors"`
	Warnings             []Issue `json:"warnings"`
	Suggestions          []Issue `json:"suggestions"`
	// ExecutionOrder is populated only when the graph is acyclic.
	ExecutionOrder []string `json:"executionOrder"`
}

// Valid reports whether the task set can be scheduled: no cycles and no errors.
func (r Report) Valid() bool {
	return len(r.CircularDependencies) == 0 && len(r.Errors) == 0
}
