package orchestrator

import (
	"github.com/tidalflow/tidalflow/internal/dag"
	"github.com/tidalflow/tidalflow/pkg/models"
)

type action int

const (
	actionRun action = iota
	actionSkip
)

type decision struct {
	action action
	reason string
}

// nodeOutcome aggregates a node's task runs into one terminal outcome.
// A loop node fails if any item failed, succeeds if any item succeeded,
// and is skipped only when every item was skipped.
func nodeOutcome(trs []*models.TaskRun) (models.TaskStatus, bool) {
	anyFailed := false
	anySuccess := false
	for _, tr := range trs {
		if !tr.Status.IsTerminal() {
			return "", false
		}
		switch tr.Status {
		case models.TaskFailed:
			anyFailed = true
		case models.TaskSuccess:
			anySuccess = true
		}
	}
	switch {
	case anyFailed:
		return models.TaskFailed, true
	case anySuccess:
		return models.TaskSuccess, true
	default:
		return models.TaskSkipped, true
	}
}

// decide determines what to do with a node whose task runs are all still
// PENDING. settled=false means at least one upstream has not finished, so
// no decision can be made yet.
func (o *Orchestrator) decide(node *models.TaskNode, graph *dag.Graph, byNode map[string][]*models.TaskRun) (decision, bool) {
	upstreamIDs := graph.Upstream(node.TaskID)

	outcomes := make(map[string]models.TaskStatus, len(upstreamIDs))
	for _, id := range upstreamIDs {
		outcome, settled := nodeOutcome(byNode[id])
		if !settled {
			return decision{}, false
		}
		outcomes[id] = outcome
	}

	// branch pruning comes before trigger evaluation: a successful
	// branching upstream admits only the children of the taken branch
	for _, id := range upstreamIDs {
		upstream := graph.Node(id)
		if upstream == nil || len(upstream.Branches) == 0 {
			continue
		}
		if !isBranchChild(upstream, node.TaskID) {
			continue
		}
		if outcomes[id] != models.TaskSuccess {
			continue // failed/skipped upstreams fall through to the trigger rule
		}
		branch, ok := branchTaken(byNode[id])
		if !ok {
			return decision{actionSkip, "no branch taken"}, true
		}
		if !contains(upstream.Branches[branch], node.TaskID) {
			return decision{actionSkip, "branch not taken"}, true
		}
	}

	if triggerSatisfied(node.EffectiveTriggerRule(), outcomes) {
		return decision{actionRun, ""}, true
	}
	return decision{actionSkip, "trigger rule " + string(node.EffectiveTriggerRule()) + " not satisfied"}, true
}

// triggerSatisfied evaluates a trigger rule over settled upstream outcomes.
// Roots have no upstreams and always run.
func triggerSatisfied(rule models.TriggerRule, outcomes map[string]models.TaskStatus) bool {
	if len(outcomes) == 0 {
		return true
	}
	switch rule {
	case models.TriggerAllDone:
		return true
	case models.TriggerAnySuccess:
		for _, s := range outcomes {
			if s == models.TaskSuccess {
				return true
			}
		}
		return false
	case models.TriggerAnyFailed:
		for _, s := range outcomes {
			if s == models.TaskFailed {
				return true
			}
		}
		return false
	default: // all_success
		for _, s := range outcomes {
			if s != models.TaskSuccess {
				return false
			}
		}
		return true
	}
}

func isBranchChild(node *models.TaskNode, childID string) bool {
	for _, children := range node.Branches {
		if contains(children, childID) {
			return true
		}
	}
	return false
}

// branchTaken reads the branch_taken key the runner copied into the
// branching node's result.
func branchTaken(trs []*models.TaskRun) (string, bool) {
	for _, tr := range trs {
		if tr.Result == nil {
			continue
		}
		if branch, ok := tr.Result["branch_taken"].(string); ok {
			return branch, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
