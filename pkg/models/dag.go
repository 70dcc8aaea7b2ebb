package models

// DAG is the workflow document: a set of task nodes plus the directed
// dependency edges between them. It is authored as JSON or YAML, validated
// before persistence, and snapshotted for the lifetime of a WorkflowRun.
type DAG struct {
	Tasks        []TaskNode   `json:"tasks" yaml:"tasks"`
	Dependencies []Dependency `json:"dependencies" yaml:"dependencies"`
}

// Dependency is a single edge: Downstream runs after Upstream settles.
type Dependency struct {
	Upstream   string `json:"upstream" yaml:"upstream"`
	Downstream string `json:"downstream" yaml:"downstream"`
}

// TaskNode is one unit of work in a DAG, typed by executor name.
type TaskNode struct {
	TaskID      string                 `json:"task_id" yaml:"task_id"`
	Type        string                 `json:"type" yaml:"type"`
	Params      map[string]interface{} `json:"params" yaml:"params"`
	Retries     int                    `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay  int                    `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"` // seconds
	Timeout     int                    `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // seconds
	TriggerRule TriggerRule            `json:"trigger_rule,omitempty" yaml:"trigger_rule,omitempty"`
	Condition   string                 `json:"condition,omitempty" yaml:"condition,omitempty"`
	Branches    map[string][]string    `json:"branches,omitempty" yaml:"branches,omitempty"`
	Loop        *Loop                  `json:"loop,omitempty" yaml:"loop,omitempty"`
}

// Loop fans a node out into one task run per item.
type Loop struct {
	Foreach []interface{} `json:"foreach" yaml:"foreach"`
}

// TriggerRule decides, from the terminal states of a node's upstreams,
// whether the node runs.
type TriggerRule string

const (
	TriggerAllSuccess TriggerRule = "all_success"
	TriggerAllDone    TriggerRule = "all_done"
	TriggerAnySuccess TriggerRule = "any_success"
	TriggerAnyFailed  TriggerRule = "any_failed"
)

// Valid reports whether the rule is one of the recognized values.
func (r TriggerRule) Valid() bool {
	switch r {
	case TriggerAllSuccess, TriggerAllDone, TriggerAnySuccess, TriggerAnyFailed:
		return true
	}
	return false
}

// EffectiveTriggerRule returns the node's rule, defaulting to all_success.
func (t *TaskNode) EffectiveTriggerRule() TriggerRule {
	if t.TriggerRule == "" {
		return TriggerAllSuccess
	}
	return t.TriggerRule
}

// MaxAttempts is the total number of attempts a node allows (initial + retries).
func (t *TaskNode) MaxAttempts() int {
	if t.Retries < 0 {
		return 1
	}
	return t.Retries + 1
}
