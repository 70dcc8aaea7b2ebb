package dag

import (
	"reflect"
	"testing"

	"github.com/tidalflow/tidalflow/pkg/models"
)

func diamond() *models.DAG {
	return &models.DAG{
		Tasks: []models.TaskNode{task("a"), task("b"), task("c"), task("d")},
		Dependencies: []models.Dependency{
			{Upstream: "a", Downstream: "b"},
			{Upstream: "a", Downstream: "c"},
			{Upstream: "b", Downstream: "d"},
			{Upstream: "c", Downstream: "d"},
		},
	}
}

func TestGraphRoots(t *testing.T) {
	g := NewGraph(diamond())
	if got := g.Roots(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("roots = %v, want [a]", got)
	}
}

func TestGraphUpDownstream(t *testing.T) {
	g := NewGraph(diamond())
	up := g.Upstream("d")
	if len(up) != 2 {
		t.Fatalf("upstream(d) = %v, want b and c", up)
	}
	down := g.Downstream("a")
	if len(down) != 2 {
		t.Fatalf("downstream(a) = %v, want b and c", down)
	}
	if g.Node("a") == nil || g.Node("ghost") != nil {
		t.Fatal("node lookup broken")
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := NewGraph(diamond())
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, dep := range diamond().Dependencies {
		if pos[dep.Upstream] >= pos[dep.Downstream] {
			t.Fatalf("%s should come before %s in %v", dep.Upstream, dep.Downstream, order)
		}
	}
}

func TestGraphBranchEdges(t *testing.T) {
	decide := task("decide")
	decide.Branches = map[string][]string{
		"high": {"alert"},
		"low":  {"log"},
	}
	d := &models.DAG{Tasks: []models.TaskNode{decide, task("alert"), task("log")}}
	g := NewGraph(d)
	if got := g.Roots(); !reflect.DeepEqual(got, []string{"decide"}) {
		t.Fatalf("roots = %v, want [decide]", got)
	}
	if up := g.Upstream("alert"); len(up) != 1 || up[0] != "decide" {
		t.Fatalf("upstream(alert) = %v, want [decide]", up)
	}
}

func TestGraphDuplicateEdges(t *testing.T) {
	// branch edge overlapping an explicit dependency must not double-count
	decide := task("decide")
	decide.Branches = map[string][]string{"go": {"next"}}
	d := &models.DAG{
		Tasks:        []models.TaskNode{decide, task("next")},
		Dependencies: []models.Dependency{{Upstream: "decide", Downstream: "next"}},
	}
	g := NewGraph(d)
	if up := g.Upstream("next"); len(up) != 1 {
		t.Fatalf("upstream(next) = %v, want a single edge", up)
	}
	if _, err := g.TopologicalOrder(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
