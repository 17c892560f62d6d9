package backlog

import (
	"slices"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

// dependents maps each task to the tasks that depend on it
func dependents(tasks []domain.Task) map[string][]string {
	graph := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			graph[dep] = append(graph[dep], t.ID)
		}
	}
	return graph
}

// TopologicalSort returns task IDs in dependency order, ties broken by
// declaration order. A cyclic graph yields a *domain.CycleError naming one
// cycle.
func TopologicalSort(tasks []domain.Task) ([]string, error) {
	graph := dependents(tasks)
	inDegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = len(t.DependsOn)
	}

	var queue []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	result := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		for _, next := range graph[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) < len(tasks) {
		return nil, &domain.CycleError{Cycle: findCycle(tasks)}
	}
	return result, nil
}

// findCycle walks dependency edges depth-first and returns the first cycle
// found, closed by repeating its starting ID.
func findCycle(tasks []domain.Task) []string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case onStack:
				start := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[start:]), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited && visit(t.ID) {
			return cycle
		}
	}
	return nil
}
