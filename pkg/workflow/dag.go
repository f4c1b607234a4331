package workflow

import (
	"fmt"
)

// dag is the dependency graph over one step list, used for admission
// validation and for computing ready order.
type dag struct {
	nodes    map[string]bool
	edges    map[string][]string // dependency -> dependents
	inDegree map[string]int
}

func newDAG() *dag {
	return &dag{
		nodes:    make(map[string]bool),
		edges:    make(map[string][]string),
		inDegree: make(map[string]int),
	}
}

func (d *dag) addNode(id string) {
	if !d.nodes[id] {
		d.nodes[id] = true
		d.inDegree[id] = 0
	}
}

func (d *dag) addEdge(from, to string) error {
	if !d.nodes[from] {
		return fmt.Errorf("dependency step not found: %s", from)
	}
	if !d.nodes[to] {
		return fmt.Errorf("step not found: %s", to)
	}
	d.edges[from] = append(d.edges[from], to)
	d.inDegree[to]++
	return nil
}

// topoSort runs Kahn's algorithm over the graph. It returns an error when a
// cycle prevents a complete ordering. order preserves the declaration
// ordering passed in for ties.
func (d *dag) topoSort(declared []string) ([]string, error) {
	inDegree := make(map[string]int, len(d.inDegree))
	for id, n := range d.inDegree {
		inDegree[id] = n
	}

	var queue []string
	for _, id := range declared {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		for _, dep := range d.edges[cur] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				// Re-insert in declaration order to keep ties stable.
				queue = insertDeclared(queue, dep, declared)
			}
		}
	}

	if len(order) != len(d.nodes) {
		return nil, fmt.Errorf("dependency cycle detected")
	}
	return order, nil
}

func insertDeclared(queue []string, id string, declared []string) []string {
	rank := make(map[string]int, len(declared))
	for i, d := range declared {
		rank[d] = i
	}
	pos := len(queue)
	for i, q := range queue {
		if rank[id] < rank[q] {
			pos = i
			break
		}
	}
	queue = append(queue, "")
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = id
	return queue
}

// buildStepDAG constructs the dependency graph for one step list.
func buildStepDAG(steps []Step) (*dag, error) {
	d := newDAG()
	for i := range steps {
		d.addNode(steps[i].ID)
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if dep == steps[i].ID {
				return nil, fmt.Errorf("step %s depends on itself", steps[i].ID)
			}
			if err := d.addEdge(dep, steps[i].ID); err != nil {
				return nil, fmt.Errorf("step %s: %w", steps[i].ID, err)
			}
		}
	}
	return d, nil
}
