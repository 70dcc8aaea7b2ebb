// Package orchestrator drives a workflow run: it materializes task runs
// from the DAG snapshot, dispatches attempts whose trigger rules are
// satisfied, prunes branches, fans out loops, and settles the run when
// every node has a terminal status. Progress is computed from persisted
// task-run state only, so a restarted orchestrator picks up where the
// previous one stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/tidalflow/tidalflow/internal/dag"
	"github.com/tidalflow/tidalflow/internal/runner"
	"github.com/tidalflow/tidalflow/internal/state"
	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// ErrNoRootNode is returned when the DAG has no entry point.
var ErrNoRootNode = errors.New("no root node")

// DefaultPollInterval is how often the orchestrator re-reads task-run state.
const DefaultPollInterval = 200 * time.Millisecond

// Dispatcher hands an attempt to the execution transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *runner.Attempt) error
}

// Orchestrator coordinates workflow runs.
type Orchestrator struct {
	workflows    storage.WorkflowRepository
	runs         storage.WorkflowRunRepository
	taskRuns     storage.TaskRunRepository
	dispatcher   Dispatcher
	pollInterval time.Duration
}

// New returns an orchestrator. pollInterval <= 0 selects the default.
func New(workflows storage.WorkflowRepository, runs storage.WorkflowRunRepository, taskRuns storage.TaskRunRepository, dispatcher Dispatcher, pollInterval time.Duration) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Orchestrator{
		workflows:    workflows,
		runs:         runs,
		taskRuns:     taskRuns,
		dispatcher:   dispatcher,
		pollInterval: pollInterval,
	}
}

// StartRun snapshots the workflow's DAG into a new PENDING run. Execution
// begins when Execute is called with the run id.
func (o *Orchestrator) StartRun(ctx context.Context, workflowID string) (*models.WorkflowRun, error) {
	workflow, err := o.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.DAG == nil {
		return nil, fmt.Errorf("workflow %s has no dag", workflowID)
	}

	run := &models.WorkflowRun{
		WorkflowID: workflow.ID,
		Status:     models.RunPending,
		DAG:        workflow.DAG,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	log.Printf("Created workflow run %s for workflow %s", run.ID, workflow.ID)
	return run, nil
}

// Execute drives the run to a terminal status. It is re-entrant: calling it
// for a RUNNING run resumes from persisted task-run state.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if run.DAG == nil {
		return fmt.Errorf("workflow run %s has no dag snapshot", runID)
	}

	graph := dag.NewGraph(run.DAG)
	if len(graph.Roots()) == 0 {
		if err := o.runs.UpdateStatus(ctx, runID, run.Status, models.RunFailed); err != nil {
			return err
		}
		return fmt.Errorf("workflow run %s: %w", runID, ErrNoRootNode)
	}

	if run.Status == models.RunPending {
		if err := o.runs.UpdateStatus(ctx, runID, models.RunPending, models.RunRunning); err != nil {
			if errors.Is(err, state.ErrOptimisticLock) {
				// another orchestrator started it; fall through and observe
				log.Printf("Workflow run %s already started elsewhere", runID)
			} else {
				return err
			}
		}
	}

	if err := o.ensureTaskRuns(ctx, runID, run.DAG); err != nil {
		return err
	}

	dispatched := make(map[string]bool)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		done, err := o.step(ctx, runID, run.DAG, graph, dispatched)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ensureTaskRuns creates the PENDING task runs for the run: one per node,
// or one per foreach item for loop nodes. Idempotent per node and loop
// index, so a run interrupted mid-creation completes its row set on the
// next Execute instead of settling over a partial one.
func (o *Orchestrator) ensureTaskRuns(ctx context.Context, runID string, d *models.DAG) error {
	existing, err := o.taskRuns.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, tr := range existing {
		have[taskRunKey(tr.TaskID, tr.LoopIndex)] = true
	}

	for i := range d.Tasks {
		node := &d.Tasks[i]
		if node.Loop != nil {
			for idx := range node.Loop.Foreach {
				loopIndex := idx
				if have[taskRunKey(node.TaskID, &loopIndex)] {
					continue
				}
				tr := &models.TaskRun{
					WorkflowRunID: runID,
					TaskID:        node.TaskID,
					LoopIndex:     &loopIndex,
					Attempt:       1,
					MaxAttempts:   node.MaxAttempts(),
					Status:        models.TaskPending,
				}
				if err := o.taskRuns.Create(ctx, tr); err != nil {
					return err
				}
			}
			continue
		}
		if have[taskRunKey(node.TaskID, nil)] {
			continue
		}
		tr := &models.TaskRun{
			WorkflowRunID: runID,
			TaskID:        node.TaskID,
			Attempt:       1,
			MaxAttempts:   node.MaxAttempts(),
			Status:        models.TaskPending,
		}
		if err := o.taskRuns.Create(ctx, tr); err != nil {
			return err
		}
	}
	return nil
}

func taskRunKey(taskID string, loopIndex *int) string {
	if loopIndex == nil {
		return taskID
	}
	return fmt.Sprintf("%s[%d]", taskID, *loopIndex)
}

// step performs one poll iteration. It returns done=true once the run has
// settled.
func (o *Orchestrator) step(ctx context.Context, runID string, d *models.DAG, graph *dag.Graph, dispatched map[string]bool) (bool, error) {
	taskRuns, err := o.taskRuns.ListByRun(ctx, runID)
	if err != nil {
		return false, err
	}

	byNode := groupByNode(taskRuns)

	allTerminal := true
	anyFailed := false
	for _, trs := range byNode {
		outcome, settled := nodeOutcome(trs)
		if !settled {
			allTerminal = false
			continue
		}
		if outcome == models.TaskFailed {
			anyFailed = true
		}
	}

	if allTerminal {
		final := models.RunSuccess
		if anyFailed {
			final = models.RunFailed
		}
		if err := o.runs.UpdateStatus(ctx, runID, models.RunRunning, final); err != nil {
			if errors.Is(err, state.ErrOptimisticLock) {
				// cancelled or settled concurrently
				return true, nil
			}
			return false, err
		}
		log.Printf("Workflow run %s finished: %s", runID, final)
		return true, nil
	}

	for nodeID, trs := range byNode {
		if !allPending(trs) {
			continue
		}
		alreadyDispatched := true
		for _, tr := range trs {
			if !dispatched[tr.ID] {
				alreadyDispatched = false
				break
			}
		}
		if alreadyDispatched {
			continue
		}

		node := graph.Node(nodeID)
		if node == nil {
			continue
		}

		decision, settled := o.decide(node, graph, byNode)
		if !settled {
			continue
		}
		switch decision.action {
		case actionSkip:
			if err := o.skipNode(ctx, trs, decision.reason); err != nil {
				return false, err
			}
		case actionRun:
			if err := o.dispatchNode(ctx, runID, node, trs, graph, byNode, d, dispatched); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// dispatchNode sends one attempt per pending task run of the node.
func (o *Orchestrator) dispatchNode(ctx context.Context, runID string, node *models.TaskNode, trs []*models.TaskRun, graph *dag.Graph, byNode map[string][]*models.TaskRun, d *models.DAG, dispatched map[string]bool) error {
	execContext := buildContext(node, graph, byNode)

	for _, tr := range trs {
		params := cloneParams(node.Params)
		if node.Loop != nil && tr.LoopIndex != nil && *tr.LoopIndex < len(node.Loop.Foreach) {
			params["loop_item"] = node.Loop.Foreach[*tr.LoopIndex]
		}
		msg := &runner.Attempt{
			TaskRunID:     tr.ID,
			WorkflowRunID: runID,
			TaskID:        node.TaskID,
			Type:          node.Type,
			Params:        params,
			Context:       execContext,
			Condition:     node.Condition,
			TimeoutSec:    node.Timeout,
			RetryDelaySec: node.RetryDelay,
			MaxAttempts:   node.MaxAttempts(),
			HasBranches:   len(node.Branches) > 0,
		}
		if err := o.dispatcher.Dispatch(ctx, msg); err != nil {
			return fmt.Errorf("failed to dispatch task %s: %w", node.TaskID, err)
		}
		dispatched[tr.ID] = true
	}
	log.Printf("Dispatched task %s (%d attempt(s)) for run %s", node.TaskID, len(trs), runID)
	return nil
}

// skipNode settles every pending task run of a node as SKIPPED.
func (o *Orchestrator) skipNode(ctx context.Context, trs []*models.TaskRun, reason string) error {
	for _, tr := range trs {
		if tr.Status != models.TaskPending {
			continue
		}
		tr.Result = map[string]interface{}{"skipped": true, "reason": reason}
		if tr.Log == "" {
			tr.Log = "SKIPPED: " + reason
		} else {
			tr.Log += "\nSKIPPED: " + reason
		}
		if err := o.taskRuns.Update(ctx, tr); err != nil {
			return err
		}
		if err := o.taskRuns.UpdateStatus(ctx, tr.ID, models.TaskPending, models.TaskSkipped); err != nil {
			if errors.Is(err, state.ErrOptimisticLock) {
				continue
			}
			return err
		}
		log.Printf("Task run %s (%s) skipped: %s", tr.ID, tr.TaskID, reason)
	}
	return nil
}

// Cancel aborts a run: running attempts are failed, pending ones skipped,
// and the run itself is failed. Safe to call on a settled run.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	taskRuns, err := o.taskRuns.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, tr := range taskRuns {
		switch tr.Status {
		case models.TaskRunning:
			tr.Result = map[string]interface{}{"error": "cancelled"}
			if err := o.taskRuns.Update(ctx, tr); err != nil {
				return err
			}
			if err := o.taskRuns.UpdateStatus(ctx, tr.ID, models.TaskRunning, models.TaskFailed); err != nil && !errors.Is(err, state.ErrOptimisticLock) {
				return err
			}
		case models.TaskPending:
			tr.Result = map[string]interface{}{"skipped": true, "reason": "run cancelled"}
			if err := o.taskRuns.Update(ctx, tr); err != nil {
				return err
			}
			if err := o.taskRuns.UpdateStatus(ctx, tr.ID, models.TaskPending, models.TaskSkipped); err != nil && !errors.Is(err, state.ErrOptimisticLock) {
				return err
			}
		}
	}

	if err := o.runs.UpdateStatus(ctx, runID, run.Status, models.RunFailed); err != nil && !errors.Is(err, state.ErrOptimisticLock) {
		return err
	}
	log.Printf("Workflow run %s cancelled", runID)
	return nil
}

func groupByNode(taskRuns []*models.TaskRun) map[string][]*models.TaskRun {
	byNode := make(map[string][]*models.TaskRun)
	for _, tr := range taskRuns {
		byNode[tr.TaskID] = append(byNode[tr.TaskID], tr)
	}
	for _, trs := range byNode {
		sort.Slice(trs, func(i, j int) bool {
			li, lj := 0, 0
			if trs[i].LoopIndex != nil {
				li = *trs[i].LoopIndex
			}
			if trs[j].LoopIndex != nil {
				lj = *trs[j].LoopIndex
			}
			return li < lj
		})
	}
	return byNode
}

func allPending(trs []*models.TaskRun) bool {
	for _, tr := range trs {
		if tr.Status != models.TaskPending {
			return false
		}
	}
	return true
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}

// buildContext assembles the execution context from direct upstream
// results: one map per upstream, or an ordered slice for loop upstreams.
func buildContext(node *models.TaskNode, graph *dag.Graph, byNode map[string][]*models.TaskRun) map[string]interface{} {
	execContext := make(map[string]interface{})
	for _, upstreamID := range graph.Upstream(node.TaskID) {
		upstream := graph.Node(upstreamID)
		trs := byNode[upstreamID]
		if len(trs) == 0 {
			continue
		}
		if upstream != nil && upstream.Loop != nil {
			results := make([]interface{}, len(trs))
			for i, tr := range trs {
				results[i] = tr.Result
			}
			execContext[upstreamID] = results
			continue
		}
		execContext[upstreamID] = trs[0].Result
	}
	return execContext
}
