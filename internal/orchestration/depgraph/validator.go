package depgraph

import (
	"fmt"
	"sort"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/log"
)

// largeBlocksSmallRatio is the estimated-hours ratio above which a blocking
// task is flagged as disproportionately large.
const largeBlocksSmallRatio = 3.0

// Validator checks a task set plus its dependency edges and produces a
// structured report. All checks run in O(|V|+|E|) and are deterministic
// for equal inputs.
type Validator struct {
	maxDepth       int
	maxChainLength int
}

// NewValidator creates a validator with the configured diagnostic thresholds.
func NewValidator(cfg config.GraphConfig) *Validator {
	return &Validator{
		maxDepth:       cfg.MaxDependencyDepth,
		maxChainLength: cfg.MaxChainLength,
	}
}

// Validate produces the full dependency report for the given task set.
func (v *Validator) Validate(tasks []Task, deps []Dependency) Report {
	var report Report

	taskSet := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		taskSet[t.TaskID] = t
	}

	// Structural errors first; edges that fail these checks are excluded
	// from every later analysis.
	valid := make([]Dependency, 0, len(deps))
	for _, d := range deps {
		switch {
		case !d.Type.Valid():
			report.Errors = append(report.Errors, Issue{
				Code:    CodeInvalidDepType,
				Message: fmt.Sprintf("dependency %s -> %s has invalid type %q", d.From, d.To, d.Type),
				TaskIDs: []string{d.From, d.To},
			})
		case d.From == d.To:
			report.Errors = append(report.Errors, Issue{
				Code:    CodeSelfDependency,
				Message: fmt.Sprintf("task %s depends on itself", d.From),
				TaskIDs: []string{d.From},
			})
		case !existsAll(taskSet, d.From, d.To):
			missing := d.From
			if _, ok := taskSet[d.From]; ok {
				missing = d.To
			}
			report.Errors = append(report.Errors, Issue{
				Code:    CodeMissingTask,
				Message: fmt.Sprintf("dependency %s -> %s references unknown task %s", d.From, d.To, missing),
				TaskIDs: []string{missing},
			})
		default:
			valid = append(valid, d)
		}
	}

	// Hard-edge adjacency, deterministically ordered.
	adj := make(map[string][]string)
	for _, d := range valid {
		if d.Type != DepRequires {
			continue
		}
		adj[d.From] = append(adj[d.From], d.To)
	}
	for _, next := range adj {
		sort.Strings(next)
	}

	report.CircularDependencies = findCycles(taskSet, adj)

	report.Warnings = v.collectWarnings(taskSet, valid, adj, len(report.CircularDependencies) == 0)
	report.Suggestions = collectSuggestions(taskSet, valid)

	if len(report.CircularDependencies) == 0 {
		report.ExecutionOrder = executionOrder(taskSet, adj)
	} else {
		report.ExecutionOrder = []string{}
		log.Warn(log.CatGraph, "Task set rejected for circular dependencies",
			"cycles", len(report.CircularDependencies))
	}
	return report
}

// collectWarnings gathers the per-edge and whole-graph advisory checks.
func (v *Validator) collectWarnings(tasks map[string]Task, deps []Dependency, adj map[string][]string, acyclic bool) []Issue {
	var warnings []Issue

	for _, d := range deps {
		from, to := tasks[d.From], tasks[d.To]

		if from.Priority.Rank() < to.Priority.Rank() {
			warnings = append(warnings, Issue{
				Code: CodePriorityInverts,
				Message: fmt.Sprintf("%s-priority task %s blocks %s-priority task %s",
					from.Priority, d.From, to.Priority, d.To),
				TaskIDs: []string{d.From, d.To},
			})
		}

		if from.Type.Rank() > to.Type.Rank() {
			warnings = append(warnings, Issue{
				Code: CodeTypeOrdering,
				Message: fmt.Sprintf("%s task %s blocks %s task %s against the natural workflow order",
					from.Type, d.From, to.Type, d.To),
				TaskIDs: []string{d.From, d.To},
			})
		}

		if from.EpicID != "" && to.EpicID != "" && from.EpicID != to.EpicID {
			warnings = append(warnings, Issue{
				Code: CodeCrossEpic,
				Message: fmt.Sprintf("dependency %s -> %s crosses epics %s and %s",
					d.From, d.To, from.EpicID, to.EpicID),
				TaskIDs: []string{d.From, d.To},
			})
		}
	}

	// Depth metrics only make sense on an acyclic graph.
	if acyclic {
		depth, chain := longestChain(tasks, adj)
		if depth > v.maxDepth {
			warnings = append(warnings, Issue{
				Code:    CodeChainDepth,
				Message: fmt.Sprintf("dependency depth %d exceeds the maximum of %d", depth, v.maxDepth),
			})
		}
		if chain > v.maxChainLength {
			warnings = append(warnings, Issue{
				Code:    CodeChainLength,
				Message: fmt.Sprintf("dependency chain of %d tasks exceeds the maximum of %d", chain, v.maxChainLength),
			})
		}
	}
	return warnings
}

// collectSuggestions gathers soft hints that do not affect schedulability.
func collectSuggestions(tasks map[string]Task, deps []Dependency) []Issue {
	var suggestions []Issue

	for _, d := range deps {
		from, to := tasks[d.From], tasks[d.To]

		if to.EstimatedHours > 0 && from.EstimatedHours > largeBlocksSmallRatio*to.EstimatedHours {
			suggestions = append(suggestions, Issue{
				Code: CodeLargeBlocksSmall,
				Message: fmt.Sprintf("large task %s (%.1fh) blocks small task %s (%.1fh); consider splitting it",
					d.From, from.EstimatedHours, d.To, to.EstimatedHours),
				TaskIDs: []string{d.From, d.To},
			})
		}

		if shared := sharedPaths(from.FilePaths, to.FilePaths); len(shared) > 0 {
			suggestions = append(suggestions, Issue{
				Code: CodeSharedFiles,
				Message: fmt.Sprintf("tasks %s and %s touch the same files (%s); serialize or merge them",
					d.From, d.To, shared[0]),
				TaskIDs: []string{d.From, d.To},
			})
		}

		if gap := from.Priority.Rank() - to.Priority.Rank(); gap > 1 || gap < -1 {
			suggestions = append(suggestions, Issue{
				Code: CodePriorityGap,
				Message: fmt.Sprintf("adjacent tasks %s (%s) and %s (%s) differ by more than one priority level",
					d.From, from.Priority, d.To, to.Priority),
				TaskIDs: []string{d.From, d.To},
			})
		}
	}
	return suggestions
}

// longestChain returns the maximum ancestor depth in edges and the longest
// chain in tasks, computed over the requires-subgraph.
func longestChain(tasks map[string]Task, adj map[string][]string) (depth, chain int) {
	memo := make(map[string]int, len(tasks))

	// down(id) is the longest path in edges starting at id.
	var down func(id string) int
	down = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 0
		for _, next := range adj[id] {
			if d := down(next) + 1; d > best {
				best = d
			}
		}
		memo[id] = best
		return best
	}

	for _, id := range sortedTaskIDs(tasks) {
		if d := down(id); d > depth {
			depth = d
		}
	}
	return depth, depth + 1
}

func sharedPaths(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a))
	for _, p := range a {
		set[p] = true
	}
	var shared []string
	for _, p := range b {
		if set[p] {
			shared = append(shared, p)
		}
	}
	sort.Strings(shared)
	return shared
}

func existsAll(tasks map[string]Task, ids ...string) bool {
	for _, id := range ids {
		if _, ok := tasks[id]; !ok {
			return false
		}
	}
	return true
}
