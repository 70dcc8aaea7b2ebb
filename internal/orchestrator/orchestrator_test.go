package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidalflow/tidalflow/internal/circuitbreaker"
	"github.com/tidalflow/tidalflow/internal/executor"
	"github.com/tidalflow/tidalflow/internal/runner"
	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/models"
)

type fixture struct {
	store        *storage.MemoryStore
	registry     *executor.Registry
	dispatcher   *runner.LocalDispatcher
	orchestrator *Orchestrator

	mu       sync.Mutex
	contexts map[string]map[string]interface{} // task id -> exec context seen
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		registry: executor.NewRegistry(),
		contexts: make(map[string]map[string]interface{}),
	}
	breaker := circuitbreaker.NewMemoryStore(5, 300*time.Second)
	r := runner.New(f.store.TaskRuns(), f.registry, breaker, nil, nil)
	f.dispatcher = runner.NewLocalDispatcher(r)
	f.orchestrator = New(f.store.Workflows(), f.store.WorkflowRuns(), f.store.TaskRuns(), f.dispatcher, 10*time.Millisecond)

	// echo-like executor recording the context each task saw
	if err := f.registry.Register("echo", func() executor.Executor {
		return &recordingExecutor{f: f}
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Register("fail", func() executor.Executor {
		return &failingExecutor{}
	}); err != nil {
		t.Fatal(err)
	}
	return f
}

type recordingExecutor struct {
	f *fixture
}

func (e *recordingExecutor) Execute(_ context.Context, params, execCtx map[string]interface{}) (map[string]interface{}, error) {
	taskID, _ := params["_task"].(string)
	e.f.mu.Lock()
	e.f.contexts[taskID] = execCtx
	e.f.mu.Unlock()

	result := make(map[string]interface{}, len(params))
	for k, v := range params {
		result[k] = v
	}
	return result, nil
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
	return nil, errors.New("task blew up")
}

func (f *fixture) createWorkflow(t *testing.T, d *models.DAG) *models.Workflow {
	t.Helper()
	w := &models.Workflow{Name: "wf-" + t.Name(), Status: models.WorkflowActive, DAG: d}
	if err := f.store.Workflows().Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	return w
}

func (f *fixture) runToCompletion(t *testing.T, workflowID string) *models.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := f.orchestrator.StartRun(ctx, workflowID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.orchestrator.Execute(ctx, run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, err := f.store.WorkflowRuns().Get(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (f *fixture) taskRunsByID(t *testing.T, runID string) map[string][]*models.TaskRun {
	t.Helper()
	trs, err := f.store.TaskRuns().ListByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string][]*models.TaskRun)
	for _, tr := range trs {
		out[tr.TaskID] = append(out[tr.TaskID], tr)
	}
	return out
}

func echoTask(id string) models.TaskNode {
	return models.TaskNode{TaskID: id, Type: "echo", Params: map[string]interface{}{"_task": id}}
}

func TestExecuteLinearDAG(t *testing.T) {
	f := newFixture(t)
	d := &models.DAG{
		Tasks: []models.TaskNode{echoTask("a"), echoTask("b"), echoTask("c")},
		Dependencies: []models.Dependency{
			{Upstream: "a", Downstream: "b"},
			{Upstream: "b", Downstream: "c"},
		},
	}
	w := f.createWorkflow(t, d)
	run := f.runToCompletion(t, w.ID)

	if run.Status != models.RunSuccess {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.FinishedAt == nil {
		t.Fatal("finished_at not stamped")
	}
	byID := f.taskRunsByID(t, run.ID)
	for _, id := range []string{"a", "b", "c"} {
		if byID[id][0].Status != models.TaskSuccess {
			t.Fatalf("task %s status = %s", id, byID[id][0].Status)
		}
	}

	// b saw a's result; c saw b's but not a's (direct upstreams only)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.contexts["b"]["a"]; !ok {
		t.Fatalf("b context = %v", f.contexts["b"])
	}
	if _, ok := f.contexts["c"]["a"]; ok {
		t.Fatal("c must only see direct upstream results")
	}
	if _, ok := f.contexts["c"]["b"]; !ok {
		t.Fatalf("c context = %v", f.contexts["c"])
	}
}

func TestExecuteNoRootFailsRun(t *testing.T) {
	f := newFixture(t)
	// a snapshot with a cycle has no root; the validator would reject it
	// at the API, but the orchestrator must still settle the run
	d := &models.DAG{
		Tasks: []models.TaskNode{echoTask("a"), echoTask("b")},
		Dependencies: []models.Dependency{
			{Upstream: "a", Downstream: "b"},
			{Upstream: "b", Downstream: "a"},
		},
	}
	w := f.createWorkflow(t, d)

	ctx := context.Background()
	run, err := f.orchestrator.StartRun(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = f.orchestrator.Execute(ctx, run.ID)
	if !errors.Is(err, ErrNoRootNode) {
		t.Fatalf("expected ErrNoRootNode, got %v", err)
	}
	got, _ := f.store.WorkflowRuns().Get(ctx, run.ID)
	if got.Status != models.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}
}

func TestExecuteBranchSelection(t *testing.T) {
	f := newFixture(t)
	decide := echoTask("decide")
	decide.Params["branch"] = "left"
	decide.Branches = map[string][]string{"left": {"l"}, "right": {"r"}}
	d := &models.DAG{Tasks: []models.TaskNode{decide, echoTask("l"), echoTask("r")}}
	w := f.createWorkflow(t, d)
	run := f.runToCompletion(t, w.ID)

	if run.Status != models.RunSuccess {
		t.Fatalf("run status = %s", run.Status)
	}
	byID := f.taskRunsByID(t, run.ID)
	if byID["l"][0].Status != models.TaskSuccess {
		t.Fatalf("l status = %s", byID["l"][0].Status)
	}
	if byID["r"][0].Status != models.TaskSkipped {
		t.Fatalf("r status = %s", byID["r"][0].Status)
	}
	if byID["r"][0].Result["reason"] != "branch not taken" {
		t.Fatalf("r result = %v", byID["r"][0].Result)
	}
	if byID["decide"][0].Result["branch_taken"] != "left" {
		t.Fatalf("decide result = %v", byID["decide"][0].Result)
	}
}

func TestExecuteBranchMissingKeySkipsAllChildren(t *testing.T) {
	f := newFixture(t)
	decide := echoTask("decide") // result has no "branch" key
	decide.Branches = map[string][]string{"left": {"l"}, "right": {"r"}}
	d := &models.DAG{Tasks: []models.TaskNode{decide, echoTask("l"), echoTask("r")}}
	w := f.createWorkflow(t, d)
	run := f.runToCompletion(t, w.ID)

	if run.Status != models.RunSuccess {
		t.Fatalf("run status = %s", run.Status)
	}
	byID := f.taskRunsByID(t, run.ID)
	for _, id := range []string{"l", "r"} {
		tr := byID[id][0]
		if tr.Status != models.TaskSkipped || tr.Result["reason"] != "no branch taken" {
			t.Fatalf("%s = %s %v", id, tr.Status, tr.Result)
		}
	}
}

func TestExecuteTriggerRules(t *testing.T) {
	f := newFixture(t)
	boom := models.TaskNode{TaskID: "boom", Type: "fail", Params: map[string]interface{}{}}
	strict := echoTask("strict") // all_success (default)
	always := echoTask("always")
	always.TriggerRule = models.TriggerAllDone
	cleanup := echoTask("cleanup")
	cleanup.TriggerRule = models.TriggerAnyFailed
	d := &models.DAG{
		Tasks: []models.TaskNode{boom, strict, always, cleanup},
		Dependencies: []models.Dependency{
			{Upstream: "boom", Downstream: "strict"},
			{Upstream: "boom", Downstream: "always"},
			{Upstream: "boom", Downstream: "cleanup"},
		},
	}
	w := f.createWorkflow(t, d)
	run := f.runToCompletion(t, w.ID)

	if run.Status != models.RunFailed {
		t.Fatalf("run status = %s", run.Status)
	}
	byID := f.taskRunsByID(t, run.ID)
	if byID["boom"][0].Status != models.TaskFailed {
		t.Fatalf("boom = %s", byID["boom"][0].Status)
	}
	if byID["strict"][0].Status != models.TaskSkipped {
		t.Fatalf("strict = %s", byID["strict"][0].Status)
	}
	if byID["always"][0].Status != models.TaskSuccess {
		t.Fatalf("always = %s", byID["always"][0].Status)
	}
	if byID["cleanup"][0].Status != models.TaskSuccess {
		t.Fatalf("cleanup = %s", byID["cleanup"][0].Status)
	}
}

func TestExecuteSkipCascades(t *testing.T) {
	f := newFixture(t)
	guarded := echoTask("guarded")
	guarded.Condition = "false"
	down := echoTask("down") // all_success over a SKIPPED upstream
	d := &models.DAG{
		Tasks:        []models.TaskNode{echoTask("root"), guarded, down},
		Dependencies: []models.Dependency{{Upstream: "root", Downstream: "guarded"}, {Upstream: "guarded", Downstream: "down"}},
	}
	w := f.createWorkflow(t, d)
	run := f.runToCompletion(t, w.ID)

	if run.Status != models.RunSuccess {
		t.Fatalf("run status = %s (skips are not failures)", run.Status)
	}
	byID := f.taskRunsByID(t, run.ID)
	if byID["guarded"][0].Status != models.TaskSkipped {
		t.Fatalf("guarded = %s", byID["guarded"][0].Status)
	}
	if byID["down"][0].Status != models.TaskSkipped {
		t.Fatalf("down = %s, want cascade skip", byID["down"][0].Status)
	}
}

func TestExecuteForeachFanOut(t *testing.T) {
	f := newFixture(t)
	fan := echoTask("fan")
	fan.Loop = &models.Loop{Foreach: []interface{}{"x", "y", "z"}}
	sink := echoTask("sink")
	d := &models.DAG{
		Tasks:        []models.TaskNode{fan, sink},
		Dependencies: []models.Dependency{{Upstream: "fan", Downstream: "sink"}},
	}
	w := f.createWorkflow(t, d)
	run := f.runToCompletion(t, w.ID)

	if run.Status != models.RunSuccess {
		t.Fatalf("run status = %s", run.Status)
	}
	byID := f.taskRunsByID(t, run.ID)
	if len(byID["fan"]) != 3 {
		t.Fatalf("fan produced %d task runs, want 3", len(byID["fan"]))
	}
	items := map[interface{}]bool{}
	for _, tr := range byID["fan"] {
		if tr.Status != models.TaskSuccess {
			t.Fatalf("fan[%v] = %s", tr.LoopIndex, tr.Status)
		}
		items[tr.Result["loop_item"]] = true
	}
	if !items["x"] || !items["y"] || !items["z"] {
		t.Fatalf("items = %v", items)
	}

	// downstream sees all per-item results as an ordered slice
	f.mu.Lock()
	defer f.mu.Unlock()
	results, ok := f.contexts["sink"]["fan"].([]interface{})
	if !ok || len(results) != 3 {
		t.Fatalf("sink context = %v", f.contexts["sink"])
	}
	first, _ := results[0].(map[string]interface{})
	if first["loop_item"] != "x" {
		t.Fatalf("loop results out of order: %v", results)
	}
}

func TestExecuteCompletesPartialTaskRunSet(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fan := echoTask("fan")
	fan.Loop = &models.Loop{Foreach: []interface{}{"x", "y"}}
	d := &models.DAG{
		Tasks: []models.TaskNode{echoTask("a"), echoTask("b"), fan},
		Dependencies: []models.Dependency{
			{Upstream: "a", Downstream: "b"},
			{Upstream: "a", Downstream: "fan"},
		},
	}
	w := f.createWorkflow(t, d)
	run, err := f.orchestrator.StartRun(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}

	// only part of the row set exists, as if a previous orchestrator died
	// between Create calls
	zero := 0
	pre := []*models.TaskRun{
		{WorkflowRunID: run.ID, TaskID: "a", Attempt: 1, MaxAttempts: 1, Status: models.TaskPending},
		{WorkflowRunID: run.ID, TaskID: "fan", LoopIndex: &zero, Attempt: 1, MaxAttempts: 1, Status: models.TaskPending},
	}
	for _, tr := range pre {
		if err := f.store.TaskRuns().Create(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.orchestrator.Execute(ctx, run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := f.store.WorkflowRuns().Get(ctx, run.ID)
	if got.Status != models.RunSuccess {
		t.Fatalf("run status = %s", got.Status)
	}
	byID := f.taskRunsByID(t, run.ID)
	if len(byID["a"]) != 1 {
		t.Fatalf("a has %d task runs, want the pre-existing row only", len(byID["a"]))
	}
	if len(byID["b"]) != 1 || byID["b"][0].Status != models.TaskSuccess {
		t.Fatalf("b = %v, want its missing row created and run", byID["b"])
	}
	if len(byID["fan"]) != 2 {
		t.Fatalf("fan has %d task runs, want 2", len(byID["fan"]))
	}
	for _, tr := range byID["fan"] {
		if tr.Status != models.TaskSuccess {
			t.Fatalf("fan[%v] = %s", tr.LoopIndex, tr.Status)
		}
	}
}

func TestExecuteReentrant(t *testing.T) {
	f := newFixture(t)
	d := &models.DAG{Tasks: []models.TaskNode{echoTask("a")}}
	w := f.createWorkflow(t, d)
	run := f.runToCompletion(t, w.ID)
	if run.Status != models.RunSuccess {
		t.Fatalf("run status = %s", run.Status)
	}
	// calling Execute again on the settled run is a no-op
	if err := f.orchestrator.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("re-entry: %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := &models.DAG{
		Tasks:        []models.TaskNode{echoTask("a"), echoTask("b")},
		Dependencies: []models.Dependency{{Upstream: "a", Downstream: "b"}},
	}
	w := f.createWorkflow(t, d)
	run, err := f.orchestrator.StartRun(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	// materialize task runs without driving them: cancel before Execute
	if err := f.store.WorkflowRuns().UpdateStatus(ctx, run.ID, models.RunPending, models.RunRunning); err != nil {
		t.Fatal(err)
	}
	if err := f.orchestrator.ensureTaskRuns(ctx, run.ID, d); err != nil {
		t.Fatal(err)
	}
	trs, _ := f.store.TaskRuns().ListByRun(ctx, run.ID)
	if err := f.store.TaskRuns().UpdateStatus(ctx, trs[0].ID, models.TaskPending, models.TaskRunning); err != nil {
		t.Fatal(err)
	}

	if err := f.orchestrator.Cancel(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.WorkflowRuns().Get(ctx, run.ID)
	if got.Status != models.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}
	byID := f.taskRunsByID(t, run.ID)
	if byID["a"][0].Status != models.TaskFailed || byID["a"][0].Result["error"] != "cancelled" {
		t.Fatalf("a = %s %v", byID["a"][0].Status, byID["a"][0].Result)
	}
	if byID["b"][0].Status != models.TaskSkipped {
		t.Fatalf("b = %s", byID["b"][0].Status)
	}

	// cancelling a settled run is a no-op
	if err := f.orchestrator.Cancel(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
}
