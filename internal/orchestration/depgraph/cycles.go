package depgraph

import (
	"fmt"
	"sort"
)

// findCycles detects every cycle in the requires-subgraph using iterative
// DFS. Each cycle is reported once, as the ordered loop of task IDs with
// the entry node repeated at the end.
func findCycles(tasks map[string]Task, adj map[string][]string) []Cycle {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(tasks))

	ids := sortedTaskIDs(tasks)

	var cycles []Cycle
	for _, start := range ids {
		if color[start] != white {
			continue
		}

		// Frame-per-node iterative DFS so deep graphs cannot overflow
		// the goroutine stack.
		type frame struct {
			id   string
			next int
		}
		stack := []frame{{id: start}}
		path := []string{start}
		onPath := map[string]int{start: 0}
		color[start] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			neighbors := adj[top.id]

			if top.next < len(neighbors) {
				child := neighbors[top.next]
				top.next++

				switch color[child] {
				case grey:
					// Back edge: the loop runs from child's position
					// on the path through the current node.
					at := onPath[child]
					loop := append([]string{}, path[at:]...)
					loop = append(loop, child)
					cycles = append(cycles, newCycle(tasks, loop))
				case white:
					color[child] = grey
					onPath[child] = len(path)
					path = append(path, child)
					stack = append(stack, frame{id: child})
				}
				continue
			}

			color[top.id] = black
			delete(onPath, top.id)
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
		}
	}
	return cycles
}

// newCycle grades a detected loop and attaches resolution options.
// loop contains the member IDs with the entry node repeated at the end.
func newCycle(tasks map[string]Task, loop []string) Cycle {
	members := loop[:len(loop)-1]

	severity := SeverityMedium
	hasHigh := false
	for _, id := range members {
		switch tasks[id].Priority {
		case PriorityCritical:
			severity = SeverityCritical
		case PriorityHigh:
			hasHigh = true
		}
	}
	if severity != SeverityCritical && (len(members) > 4 || hasHigh) {
		severity = SeverityHigh
	}

	return Cycle{
		Cycle:    loop,
		Severity: severity,
		ResolutionOptions: []string{
			fmt.Sprintf("remove the weakest edge in the loop (prefer a suggests-typed dependency, e.g. %s -> %s)", members[len(members)-1], loop[len(loop)-1]),
			fmt.Sprintf("reorder the tasks so %s no longer depends on its own downstream work", members[0]),
			fmt.Sprintf("split %s into two tasks so the returning edge targets only the later half", members[0]),
		},
	}
}

// WouldCreateCycle reports whether adding the edge from -> to would close a
// loop, by searching the existing requires-subgraph for a path to -> ... -> from.
// The returned witness is that path with the new edge's source appended,
// or nil when the edge is safe.
func WouldCreateCycle(deps []Dependency, from, to string) (bool, []string) {
	if from == to {
		return true, []string{from, to}
	}

	adj := make(map[string][]string)
	for _, d := range deps {
		if d.Type == DepSuggests {
			continue
		}
		adj[d.From] = append(adj[d.From], d.To)
	}
	for _, next := range adj {
		sort.Strings(next)
	}

	// DFS from `to` looking for `from`; the path walked is the witness.
	type frame struct {
		id   string
		next int
	}
	stack := []frame{{id: to}}
	path := []string{to}
	visited := map[string]bool{to: true}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		neighbors := adj[top.id]

		if top.next < len(neighbors) {
			child := neighbors[top.next]
			top.next++

			if child == from {
				witness := append([]string{}, path...)
				witness = append(witness, from)
				return true, witness
			}
			if !visited[child] {
				visited[child] = true
				path = append(path, child)
				stack = append(stack, frame{id: child})
			}
			continue
		}

		path = path[:len(path)-1]
		stack = stack[:len(stack)-1]
	}
	return false, nil
}

func sortedTaskIDs(tasks map[string]Task) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
