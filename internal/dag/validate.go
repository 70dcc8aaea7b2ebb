package dag

import (
	"fmt"

	"github.com/tidalflow/tidalflow/internal/expr"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// Validation errors are returned in a fixed order so callers (and API
// clients) see the most fundamental problem first: structure, then task
// fields, then uniqueness, then edges, then cycles, then branch/loop
// references, then per-node settings.

// Validate checks a DAG document and returns the first violation found.
// It is pure: no I/O, no mutation of the document.
func Validate(d *models.DAG) error {
	if d == nil || len(d.Tasks) == 0 {
		return fmt.Errorf("dag must declare at least one task")
	}

	ids := make(map[string]*models.TaskNode, len(d.Tasks))
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.TaskID == "" {
			return fmt.Errorf("task %d: task_id is required", i)
		}
		if t.Type == "" {
			return fmt.Errorf("task %q: type is required", t.TaskID)
		}
		if t.Params == nil {
			return fmt.Errorf("task %q: params is required", t.TaskID)
		}
		if _, dup := ids[t.TaskID]; dup {
			return fmt.Errorf("duplicate task_id %q", t.TaskID)
		}
		ids[t.TaskID] = t
	}

	for _, dep := range d.Dependencies {
		if _, ok := ids[dep.Upstream]; !ok {
			return fmt.Errorf("dependency references unknown task %q", dep.Upstream)
		}
		if _, ok := ids[dep.Downstream]; !ok {
			return fmt.Errorf("dependency references unknown task %q", dep.Downstream)
		}
		if dep.Upstream == dep.Downstream {
			return fmt.Errorf("task %q depends on itself", dep.Upstream)
		}
	}

	for _, t := range d.Tasks {
		for branch, children := range t.Branches {
			for _, child := range children {
				if _, ok := ids[child]; !ok {
					return fmt.Errorf("task %q branch %q references unknown task %q", t.TaskID, branch, child)
				}
			}
		}
	}

	g := NewGraph(d)
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}

	for _, t := range d.Tasks {
		if t.TriggerRule != "" && !t.TriggerRule.Valid() {
			return fmt.Errorf("task %q: unknown trigger_rule %q", t.TaskID, t.TriggerRule)
		}
		if t.Retries < 0 {
			return fmt.Errorf("task %q: retries must be >= 0", t.TaskID)
		}
		if t.Timeout < 0 {
			return fmt.Errorf("task %q: timeout must be >= 0", t.TaskID)
		}
		if t.Condition != "" {
			if _, err := expr.Parse(t.Condition); err != nil {
				return fmt.Errorf("task %q: invalid condition: %w", t.TaskID, err)
			}
		}
		if t.Loop != nil && len(t.Loop.Foreach) == 0 {
			return fmt.Errorf("task %q: loop.foreach must not be empty", t.TaskID)
		}
	}

	return nil
}
