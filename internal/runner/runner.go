// Package runner executes a single task attempt end to end: status
// transitions, circuit-breaker gating, condition evaluation, timeout,
// executor invocation, result capture, and retry scheduling.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tidalflow/tidalflow/internal/circuitbreaker"
	"github.com/tidalflow/tidalflow/internal/dlq"
	"github.com/tidalflow/tidalflow/internal/executor"
	"github.com/tidalflow/tidalflow/internal/expr"
	"github.com/tidalflow/tidalflow/internal/retry"
	"github.com/tidalflow/tidalflow/internal/state"
	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/models"
)

// Attempt is the queue message describing one task attempt. It carries
// everything the worker needs so executing does not require loading the
// workflow definition.
type Attempt struct {
	TaskRunID     string                 `json:"task_run_id"`
	WorkflowRunID string                 `json:"workflow_run_id"`
	TaskID        string                 `json:"task_id"`
	Type          string                 `json:"type"`
	Params        map[string]interface{} `json:"params"`
	Context       map[string]interface{} `json:"context,omitempty"` // upstream results by task id
	Condition     string                 `json:"condition,omitempty"`
	TimeoutSec    int                    `json:"timeout_sec,omitempty"`
	RetryDelaySec int                    `json:"retry_delay_sec,omitempty"`
	MaxAttempts   int                    `json:"max_attempts"`
	HasBranches   bool                   `json:"has_branches,omitempty"`
}

// RetryError tells the transport to redeliver the attempt after Delay.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Runner executes attempts against the task-run store.
type Runner struct {
	taskRuns storage.TaskRunRepository
	registry *executor.Registry
	breaker  circuitbreaker.Store
	backoff  retry.Strategy
	dlq      *dlq.Manager
}

// New returns a runner. backoff defaults to the standard task backoff; dlq
// may be nil to disable dead-lettering.
func New(taskRuns storage.TaskRunRepository, registry *executor.Registry, breaker circuitbreaker.Store, backoff retry.Strategy, dlq *dlq.Manager) *Runner {
	if backoff == nil {
		backoff = retry.DefaultTaskBackoff()
	}
	return &Runner{
		taskRuns: taskRuns,
		registry: registry,
		breaker:  breaker,
		backoff:  backoff,
		dlq:      dlq,
	}
}

// Run executes one attempt. A nil return means the attempt settled (or was
// a duplicate delivery); a *RetryError means the attempt failed and should
// be redelivered after the embedded delay.
func (r *Runner) Run(ctx context.Context, msg *Attempt) error {
	taskRun, err := r.taskRuns.Get(ctx, msg.TaskRunID)
	if err != nil {
		return fmt.Errorf("failed to load task run %s: %w", msg.TaskRunID, err)
	}

	// at-least-once delivery: a settled run means this is a duplicate
	if taskRun.Status.IsTerminal() {
		log.Printf("Task run %s already %s, dropping duplicate delivery", taskRun.ID, taskRun.Status)
		return nil
	}

	if err := r.taskRuns.UpdateStatus(ctx, taskRun.ID, models.TaskPending, models.TaskRunning); err != nil {
		if errors.Is(err, state.ErrOptimisticLock) {
			// another worker claimed it
			log.Printf("Task run %s claimed elsewhere, dropping delivery", taskRun.ID)
			return nil
		}
		return fmt.Errorf("failed to start task run %s: %w", taskRun.ID, err)
	}
	taskRun.Status = models.TaskRunning

	if taskRun.StartedAt == nil {
		now := time.Now().UTC()
		taskRun.StartedAt = &now
	}
	r.appendLog(taskRun, "INPUT: %s", compactJSON(msg.Params))
	if err := r.taskRuns.Update(ctx, taskRun); err != nil {
		return r.requeue(ctx, taskRun, msg, err)
	}

	// breaker gate: open circuit fails the attempt without executing and
	// without counting as a new failure
	if err := r.breaker.Allow(ctx, msg.Type); err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			log.Printf("Task run %s rejected: circuit breaker open for %q", taskRun.ID, msg.Type)
			return r.fail(ctx, taskRun, "Circuit breaker open")
		}
		return r.requeue(ctx, taskRun, msg, err)
	}

	if msg.Condition != "" {
		val, err := expr.Eval(msg.Condition, map[string]interface{}{"context": msg.Context})
		if err != nil {
			return r.fail(ctx, taskRun, fmt.Sprintf("condition error: %v", err))
		}
		if !expr.Truthy(val) {
			return r.skip(ctx, taskRun, "Condition not met")
		}
	}

	exec, err := r.registry.Get(msg.Type)
	if err != nil {
		return r.fail(ctx, taskRun, err.Error())
	}

	execCtx := ctx
	if msg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutSec)*time.Second)
		defer cancel()
	}

	result, execErr := exec.Execute(execCtx, msg.Params, msg.Context)
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			execErr = fmt.Errorf("task timed out after %ds: %w", msg.TimeoutSec, execErr)
		}
		if err := r.breaker.RecordFailure(ctx, msg.Type); err != nil {
			log.Printf("Failed to record breaker failure for %q: %v", msg.Type, err)
		}
		return r.failOrRetry(ctx, taskRun, msg, execErr)
	}

	if err := r.breaker.RecordSuccess(ctx, msg.Type); err != nil {
		log.Printf("Failed to record breaker success for %q: %v", msg.Type, err)
	}

	if result == nil {
		result = map[string]interface{}{}
	}
	// copy the selected branch so the orchestrator prunes on a stable key
	if msg.HasBranches {
		if branch, ok := result["branch"].(string); ok {
			result["branch_taken"] = branch
		}
	}

	taskRun.Result = result
	r.appendLog(taskRun, "OUTPUT: %s", compactJSON(result))
	if err := r.taskRuns.Update(ctx, taskRun); err != nil {
		return r.requeue(ctx, taskRun, msg, err)
	}
	if err := r.taskRuns.UpdateStatus(ctx, taskRun.ID, models.TaskRunning, models.TaskSuccess); err != nil {
		return fmt.Errorf("failed to finish task run %s: %w", taskRun.ID, err)
	}
	log.Printf("Task run %s (%s) succeeded on attempt %d", taskRun.ID, taskRun.TaskID, taskRun.Attempt)
	return nil
}

// failOrRetry schedules a retry while the attempt budget allows, otherwise
// settles the run as FAILED and dead-letters it.
func (r *Runner) failOrRetry(ctx context.Context, taskRun *models.TaskRun, msg *Attempt, cause error) error {
	if taskRun.Attempt < msg.MaxAttempts {
		var delay time.Duration
		if msg.RetryDelaySec > 0 {
			delay = time.Duration(msg.RetryDelaySec) * time.Second
		} else {
			delay = r.backoff.NextDelay(taskRun.Attempt)
		}

		r.appendLog(taskRun, "RETRY %d IN %s: %v", taskRun.Attempt+1, delay, cause)
		taskRun.Attempt++
		if err := r.taskRuns.Update(ctx, taskRun); err != nil {
			return fmt.Errorf("failed to persist retry for task run %s: %w", taskRun.ID, err)
		}
		if err := r.taskRuns.UpdateStatus(ctx, taskRun.ID, models.TaskRunning, models.TaskPending); err != nil {
			return fmt.Errorf("failed to requeue task run %s: %w", taskRun.ID, err)
		}
		log.Printf("Task run %s (%s) failed, retry %d/%d in %s: %v",
			taskRun.ID, taskRun.TaskID, taskRun.Attempt, msg.MaxAttempts, delay, cause)
		return &RetryError{Delay: delay, Err: cause}
	}

	if err := r.fail(ctx, taskRun, cause.Error()); err != nil {
		return err
	}
	if r.dlq != nil {
		if err := r.dlq.AddFailedAttempt(ctx, taskRun, cause); err != nil {
			log.Printf("Failed to dead-letter task run %s: %v", taskRun.ID, err)
		}
	}
	return nil
}

// fail settles a RUNNING task run as FAILED with an error result.
func (r *Runner) fail(ctx context.Context, taskRun *models.TaskRun, message string) error {
	taskRun.Result = map[string]interface{}{"error": message}
	r.appendLog(taskRun, "ERROR: %s", message)
	if err := r.taskRuns.Update(ctx, taskRun); err != nil {
		return fmt.Errorf("failed to persist failure for task run %s: %w", taskRun.ID, err)
	}
	if err := r.taskRuns.UpdateStatus(ctx, taskRun.ID, models.TaskRunning, models.TaskFailed); err != nil {
		return fmt.Errorf("failed to fail task run %s: %w", taskRun.ID, err)
	}
	log.Printf("Task run %s (%s) failed permanently: %s", taskRun.ID, taskRun.TaskID, message)
	return nil
}

// skip settles a RUNNING task run as SKIPPED.
func (r *Runner) skip(ctx context.Context, taskRun *models.TaskRun, reason string) error {
	taskRun.Result = map[string]interface{}{"skipped": true, "reason": reason}
	r.appendLog(taskRun, "SKIPPED: %s", reason)
	if err := r.taskRuns.Update(ctx, taskRun); err != nil {
		return fmt.Errorf("failed to persist skip for task run %s: %w", taskRun.ID, err)
	}
	if err := r.taskRuns.UpdateStatus(ctx, taskRun.ID, models.TaskRunning, models.TaskSkipped); err != nil {
		return fmt.Errorf("failed to skip task run %s: %w", taskRun.ID, err)
	}
	log.Printf("Task run %s (%s) skipped: %s", taskRun.ID, taskRun.TaskID, reason)
	return nil
}

// requeue handles infrastructure errors mid-attempt: the run goes back to
// PENDING so a redelivery can pick it up cleanly.
func (r *Runner) requeue(ctx context.Context, taskRun *models.TaskRun, msg *Attempt, cause error) error {
	if err := r.taskRuns.UpdateStatus(ctx, taskRun.ID, models.TaskRunning, models.TaskPending); err != nil {
		return fmt.Errorf("failed to requeue task run %s after %v: %w", taskRun.ID, cause, err)
	}
	return &RetryError{Delay: time.Second, Err: cause}
}

func (r *Runner) appendLog(taskRun *models.TaskRun, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if taskRun.Log == "" {
		taskRun.Log = line
	} else {
		taskRun.Log += "\n" + line
	}
}

func compactJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
