package dag

import (
	"fmt"
	"sort"

	"github.com/tidalflow/tidalflow/pkg/models"
)

// Graph is the adjacency view of a DAG document. Branch maps contribute
// implied edges: a branch child depends on the branching node even when no
// explicit dependency lists it.
type Graph struct {
	nodes map[string]*models.TaskNode
	adj   map[string][]string // upstream -> downstreams
	rev   map[string][]string // downstream -> upstreams
}

// NewGraph builds the adjacency maps from explicit dependencies plus the
// edges implied by branch maps. The document is assumed validated.
func NewGraph(d *models.DAG) *Graph {
	g := &Graph{
		nodes: make(map[string]*models.TaskNode, len(d.Tasks)),
		adj:   make(map[string][]string),
		rev:   make(map[string][]string),
	}
	for i := range d.Tasks {
		t := &d.Tasks[i]
		g.nodes[t.TaskID] = t
	}

	seen := make(map[[2]string]bool)
	addEdge := func(up, down string) {
		key := [2]string{up, down}
		if seen[key] {
			return
		}
		seen[key] = true
		g.adj[up] = append(g.adj[up], down)
		g.rev[down] = append(g.rev[down], up)
	}

	for _, dep := range d.Dependencies {
		addEdge(dep.Upstream, dep.Downstream)
	}
	for _, t := range d.Tasks {
		for _, children := range t.Branches {
			for _, child := range children {
				addEdge(t.TaskID, child)
			}
		}
	}
	return g
}

// Node returns the task node by id, or nil.
func (g *Graph) Node(id string) *models.TaskNode {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Roots returns the ids of nodes with no upstream edges, sorted for
// deterministic iteration.
func (g *Graph) Roots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.rev[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Upstream returns the direct upstream ids of a node.
func (g *Graph) Upstream(id string) []string {
	return g.rev[id]
}

// Downstream returns the direct downstream ids of a node.
func (g *Graph) Downstream(id string) []string {
	return g.adj[id]
}

// TopologicalOrder returns node ids in dependency order using Kahn's
// algorithm, or an error naming a node on a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.rev[id])
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := append([]string(nil), g.adj[id]...)
		sort.Strings(next)
		for _, down := range next {
			inDegree[down]--
			if inDegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}

	if len(order) != len(g.nodes) {
		for id, deg := range inDegree {
			if deg > 0 {
				return nil, fmt.Errorf("dag contains a cycle through task %q", id)
			}
		}
	}
	return order, nil
}
