package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidalflow/tidalflow/internal/circuitbreaker"
	"github.com/tidalflow/tidalflow/internal/dlq"
	"github.com/tidalflow/tidalflow/internal/executor"
	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/models"
)

type stubExecutor struct {
	fn func(ctx context.Context, params, execCtx map[string]interface{}) (map[string]interface{}, error)
}

func (s *stubExecutor) Execute(ctx context.Context, params, execCtx map[string]interface{}) (map[string]interface{}, error) {
	return s.fn(ctx, params, execCtx)
}

type fixture struct {
	store    *storage.MemoryStore
	registry *executor.Registry
	breaker  *circuitbreaker.MemoryStore
	dlq      *dlq.Manager
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		registry: executor.NewRegistry(),
		breaker:  circuitbreaker.NewMemoryStore(5, 300*time.Second),
		dlq:      dlq.NewManager(dlq.NewMemoryQueue()),
	}
	f.runner = New(f.store.TaskRuns(), f.registry, f.breaker, nil, f.dlq)
	return f
}

func (f *fixture) register(t *testing.T, name string, fn func(ctx context.Context, params, execCtx map[string]interface{}) (map[string]interface{}, error)) {
	t.Helper()
	if err := f.registry.Register(name, func() executor.Executor { return &stubExecutor{fn: fn} }); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) createTaskRun(t *testing.T, maxAttempts int) *models.TaskRun {
	t.Helper()
	tr := &models.TaskRun{
		WorkflowRunID: "run-1",
		TaskID:        "work",
		Attempt:       1,
		MaxAttempts:   maxAttempts,
		Status:        models.TaskPending,
	}
	if err := f.store.TaskRuns().Create(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestRunSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "ok", func(_ context.Context, params, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"stdout": "done"}, nil
	})
	tr := f.createTaskRun(t, 1)

	err := f.runner.Run(ctx, &Attempt{
		TaskRunID:   tr.ID,
		TaskID:      tr.TaskID,
		Type:        "ok",
		Params:      map[string]interface{}{"cmd": "x"},
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskSuccess {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result["stdout"] != "done" {
		t.Fatalf("result = %v", got.Result)
	}
	if !strings.Contains(got.Log, `INPUT: {"cmd":"x"}`) || !strings.Contains(got.Log, `OUTPUT: {"stdout":"done"}`) {
		t.Fatalf("log = %q", got.Log)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatal("timestamps not stamped")
	}
}

func TestRunConditionSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	executed := false
	f.register(t, "guarded", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		executed = true
		return nil, nil
	})
	tr := f.createTaskRun(t, 1)

	err := f.runner.Run(ctx, &Attempt{
		TaskRunID:   tr.ID,
		Type:        "guarded",
		Params:      map[string]interface{}{},
		Condition:   "context['up']['returncode'] == 0",
		Context:     map[string]interface{}{"up": map[string]interface{}{"returncode": float64(1)}},
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executed {
		t.Fatal("executor must not run when the condition is falsy")
	}

	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskSkipped {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result["skipped"] != true || got.Result["reason"] != "Condition not met" {
		t.Fatalf("result = %v", got.Result)
	}
}

func TestRunRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	calls := 0
	f.register(t, "flaky", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	tr := f.createTaskRun(t, 3)
	msg := &Attempt{TaskRunID: tr.ID, TaskID: tr.TaskID, Type: "flaky", Params: map[string]interface{}{}, MaxAttempts: 3}

	// attempt 1 -> retry in 1s
	err := f.runner.Run(ctx, msg)
	var retryErr *RetryError
	if !errors.As(err, &retryErr) || retryErr.Delay != 1*time.Second {
		t.Fatalf("attempt 1: err = %v", err)
	}
	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskPending || got.Attempt != 2 {
		t.Fatalf("after attempt 1: %+v", got)
	}

	// attempt 2 -> retry in 2s
	err = f.runner.Run(ctx, msg)
	if !errors.As(err, &retryErr) || retryErr.Delay != 2*time.Second {
		t.Fatalf("attempt 2: err = %v", err)
	}

	// attempt 3 -> permanent failure + DLQ
	if err := f.runner.Run(ctx, msg); err != nil {
		t.Fatalf("attempt 3: err = %v", err)
	}
	got, _ = f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result["error"] != "connection refused" {
		t.Fatalf("result = %v", got.Result)
	}
	if !strings.Contains(got.Log, "RETRY 2 IN 1s") || !strings.Contains(got.Log, "RETRY 3 IN 2s") {
		t.Fatalf("log = %q", got.Log)
	}
	if calls != 3 {
		t.Fatalf("executor ran %d times, want 3", calls)
	}
	count, _ := f.dlq.Queue().Count(ctx)
	if count != 1 {
		t.Fatalf("dlq count = %d, want 1", count)
	}
}

func TestRunFixedRetryDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "flaky", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	tr := f.createTaskRun(t, 2)

	err := f.runner.Run(ctx, &Attempt{
		TaskRunID:     tr.ID,
		Type:          "flaky",
		Params:        map[string]interface{}{},
		MaxAttempts:   2,
		RetryDelaySec: 30,
	})
	var retryErr *RetryError
	if !errors.As(err, &retryErr) || retryErr.Delay != 30*time.Second {
		t.Fatalf("err = %v", err)
	}
}

func TestRunCircuitBreakerOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	executed := false
	f.register(t, "http", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		executed = true
		return nil, nil
	})
	for i := 0; i < 5; i++ {
		f.breaker.RecordFailure(ctx, "http")
	}
	tr := f.createTaskRun(t, 3)

	err := f.runner.Run(ctx, &Attempt{TaskRunID: tr.ID, Type: "http", Params: map[string]interface{}{}, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("breaker rejection must settle, not retry: %v", err)
	}
	if executed {
		t.Fatal("executor must not run while the breaker is open")
	}

	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result["error"] != "Circuit breaker open" {
		t.Fatalf("result = %v", got.Result)
	}
	count, _ := f.dlq.Queue().Count(ctx)
	if count != 0 {
		t.Fatal("breaker rejections are not retry exhaustion, no DLQ entry")
	}
}

func TestRunBranchTaken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "decide", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"branch": "left"}, nil
	})
	tr := f.createTaskRun(t, 1)

	err := f.runner.Run(ctx, &Attempt{
		TaskRunID:   tr.ID,
		Type:        "decide",
		Params:      map[string]interface{}{},
		MaxAttempts: 1,
		HasBranches: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Result["branch_taken"] != "left" {
		t.Fatalf("branch_taken missing: %v", got.Result)
	}
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "slow", func(ctx context.Context, _, _ map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	tr := f.createTaskRun(t, 1)

	err := f.runner.Run(ctx, &Attempt{
		TaskRunID:   tr.ID,
		Type:        "slow",
		Params:      map[string]interface{}{},
		TimeoutSec:  1,
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.Result["error"].(string), "timed out") {
		t.Fatalf("result = %v", got.Result)
	}
}

func TestRunDuplicateDeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "ok", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"n": 1}, nil
	})
	tr := f.createTaskRun(t, 1)
	msg := &Attempt{TaskRunID: tr.ID, Type: "ok", Params: map[string]interface{}{}, MaxAttempts: 1}

	if err := f.runner.Run(ctx, msg); err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.TaskRuns().Get(ctx, tr.ID)

	if err := f.runner.Run(ctx, msg); err != nil {
		t.Fatalf("duplicate delivery must be a no-op, got %v", err)
	}
	after, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if after.Log != before.Log || after.Status != before.Status {
		t.Fatal("duplicate delivery mutated the task run")
	}
}

func TestRunUnknownExecutorFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tr := f.createTaskRun(t, 3)

	err := f.runner.Run(ctx, &Attempt{TaskRunID: tr.ID, Type: "nope", Params: map[string]interface{}{}, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("unknown executor is permanent, not retryable: %v", err)
	}
	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestLocalDispatcherRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	calls := 0
	f.register(t, "flaky-then-ok", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return map[string]interface{}{"ok": true}, nil
	})
	tr := f.createTaskRun(t, 3)

	d := NewLocalDispatcher(f.runner)
	if err := d.Dispatch(ctx, &Attempt{
		TaskRunID:     tr.ID,
		Type:          "flaky-then-ok",
		Params:        map[string]interface{}{},
		MaxAttempts:   3,
		RetryDelaySec: 0,
	}); err != nil {
		t.Fatal(err)
	}
	d.Wait()

	got, _ := f.store.TaskRuns().Get(ctx, tr.ID)
	if got.Status != models.TaskSuccess || got.Attempt != 2 {
		t.Fatalf("task run = %+v", got)
	}
}
