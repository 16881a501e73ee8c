package depgraph

import "container/heap"

// executionOrder produces a deterministic topological order of the
// requires-subgraph via Kahn's algorithm. Among tasks whose dependencies
// are satisfied, ties break by priority descending, then createdAt
// ascending, then task ID ascending.
func executionOrder(tasks map[string]Task, adj map[string][]string) []string {
	inDegree := make(map[string]int, len(tasks))
	for id := range tasks {
		inDegree[id] = 0
	}
	for _, targets := range adj {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	ready := &readyHeap{tasks: tasks}
	for _, id := range sortedTaskIDs(tasks) {
		if inDegree[id] == 0 {
			ready.ids = append(ready.ids, id)
		}
	}
	heap.Init(ready)

	order := make([]string, 0, len(tasks))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, to := range adj[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				heap.Push(ready, to)
			}
		}
	}
	return order
}

// readyHeap orders schedulable tasks by the tie-break rule.
type readyHeap struct {
	ids   []string
	tasks map[string]Task
}

func (h *readyHeap) Len() int { return len(h.ids) }

func (h *readyHeap) Less(i, j int) bool {
	a, b := h.tasks[h.ids[i]], h.tasks[h.ids[j]]
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return h.ids[i] < h.ids[j]
}

func (h *readyHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *readyHeap) Push(x any) { h.ids = append(h.ids, x.(string)) }

func (h *readyHeap) Pop() any {
	last := len(h.ids) - 1
	id := h.ids[last]
	h.ids = h.ids[:last]
	return id
}
