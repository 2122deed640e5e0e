// Package resolver orders modules so that every module comes after the
// modules it depends on.
package resolver

import (
	"container/heap"
	"fmt"
	"slices"
	"sort"

	"modbot/module"
)

type (
	// Graph maps a module name to the names of the modules it depends on.
	// Every module has an entry, empty when it has no dependencies.
	Graph map[string][]string

	// CycleError indicates that the graph contains a cycle. From and To are
	// the two nodes whose edge closed the cycle.
	CycleError struct {
		From string
		To   string
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s <-> %s", e.From, e.To)
}

// Add merges deps into the entry for name, creating the entry if needed
func (g Graph) Add(name string, deps ...string) {
	merged := append(g[name], deps...)
	if merged == nil {
		merged = []string{}
	}
	slices.Sort(merged)
	g[name] = slices.Compact(merged)
}

// Names returns the graph's nodes sorted
func (g Graph) Names() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unresolved returns, per module, the dependency names that are not nodes of
// the graph
func (g Graph) Unresolved() map[string][]string {
	missing := make(map[string][]string)
	for _, name := range g.Names() {
		for _, dep := range g[name] {
			if _, ok := g[dep]; !ok {
				missing[name] = append(missing[name], dep)
			}
		}
	}
	return missing
}

// Without returns a copy of the graph without the given nodes. Edges to
// removed nodes are kept so they show up as unresolved.
func (g Graph) Without(names ...string) Graph {
	out := make(Graph, len(g))
	for name, deps := range g {
		if slices.Contains(names, name) {
			continue
		}
		out[name] = slices.Clone(deps)
	}
	return out
}

// dependents inverts the graph: dependency -> modules depending on it.
// Names that are not nodes are dropped; they are external references.
func (g Graph) dependents() map[string][]string {
	out := make(map[string][]string, len(g))
	for _, name := range g.Names() {
		for _, dep := range g[name] {
			if _, ok := g[dep]; !ok {
				continue
			}
			out[dep] = append(out[dep], name)
		}
	}
	for dep := range out {
		sort.Strings(out[dep])
	}
	return out
}

// Order returns the nodes of g such that for every edge "A depends on B",
// B comes before A. It walks the graph depth first, in lexicographic order
// for determinism, appending finished nodes and reading the result
// backwards. A cycle aborts the whole resolution with a *CycleError.
func Order(g Graph) ([]string, error) {
	adj := g.dependents()

	visited := make(map[string]bool, len(g))
	onStack := make(map[string]bool)
	finished := make([]string, 0, len(g))

	var visit func(node string) error
	visit = func(node string) error {
		visited[node] = true
		onStack[node] = true

		for _, next := range adj[node] {
			if onStack[next] {
				// next is one of node's dependencies and depends on node
				return &CycleError{From: next, To: node}
			}
			if visited[next] {
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}

		onStack[node] = false
		finished = append(finished, node)
		return nil
	}

	// Walk in reverse lexicographic order so independent nodes come out
	// lexicographically once the finished list is reversed.
	names := g.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if visited[names[i]] {
			continue
		}
		if err := visit(names[i]); err != nil {
			return nil, err
		}
	}

	slices.Reverse(finished)
	return finished, nil
}

// Resolve orders g like Order, then breaks ties between modules the graph
// leaves independent by priority (VERY_HIGH first). Priority never moves a
// module ahead of one of its dependencies. Remaining ties keep Order's
// relative order.
func Resolve(g Graph, priority func(name string) module.Priority) ([]string, error) {
	base, err := Order(g)
	if err != nil {
		return nil, err
	}
	if priority == nil {
		return base, nil
	}

	position := make(map[string]int, len(base))
	for i, name := range base {
		position[name] = i
	}

	adj := g.dependents()
	pending := make(map[string]int, len(g))
	for name, deps := range g {
		for _, dep := range deps {
			if _, ok := g[dep]; ok {
				pending[name]++
			}
		}
	}

	ready := &readyQueue{priority: priority, position: position}
	for _, name := range base {
		if pending[name] == 0 {
			heap.Push(ready, name)
		}
	}

	order := make([]string, 0, len(base))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, name)

		for _, next := range adj[name] {
			pending[next]--
			if pending[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	return order, nil
}

// readyQueue pops the highest priority node, then the earliest base position
type readyQueue struct {
	names    []string
	priority func(string) module.Priority
	position map[string]int
}

func (q *readyQueue) Len() int { return len(q.names) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.names[i], q.names[j]
	if c := q.priority(a).Compare(q.priority(b)); c != 0 {
		return c < 0
	}
	return q.position[a] < q.position[b]
}

func (q *readyQueue) Swap(i, j int) { q.names[i], q.names[j] = q.names[j], q.names[i] }

func (q *readyQueue) Push(x any) { q.names = append(q.names, x.(string)) }

func (q *readyQueue) Pop() any {
	n := len(q.names)
	x := q.names[n-1]
	q.names = q.names[:n-1]
	return x
}
