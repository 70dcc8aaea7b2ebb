// Package queue moves task attempts between the orchestrator and workers
// over NATS JetStream. The attempts stream uses work-queue retention, so
// each attempt is delivered to exactly one worker in the queue group;
// retry delays are expressed with NakWithDelay so the broker owns the
// redelivery clock.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tidalflow/tidalflow/internal/runner"
)

const (
	// AttemptsStream holds task attempts awaiting a worker.
	AttemptsStream = "TASK_ATTEMPTS"

	// AttemptsSubject is the subject attempts are published on.
	AttemptsSubject = "tasks.attempts"

	// WorkerGroup is the queue group all workers join.
	WorkerGroup = "task-workers"

	// AckWait must exceed the longest task timeout plus executor overhead,
	// otherwise the broker redelivers attempts that are still running.
	AckWait = 5 * time.Minute
)

// Queue is a JetStream-backed attempt transport. It satisfies the
// orchestrator's Dispatcher interface on the publish side and feeds a
// Runner on the consume side.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext

	sub     *nats.Subscription
	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New connects to NATS and ensures the attempts stream exists.
func New(natsURL string) (*Queue, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	q := &Queue{nc: nc, js: js}
	if err := q.initStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) initStream() error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:      AttemptsStream,
		Subjects:  []string{AttemptsSubject},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create attempts stream: %w", err)
	}
	return nil
}

// Dispatch publishes an attempt for a worker to pick up.
func (q *Queue) Dispatch(ctx context.Context, msg *runner.Attempt) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}
	if _, err := q.js.Publish(AttemptsSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish attempt: %w", err)
	}
	return nil
}

// Consume subscribes the worker queue group and feeds attempts to r. Retry
// delays come back from the runner as *runner.RetryError and turn into
// NakWithDelay, so redelivery happens without the worker holding a timer.
func (q *Queue) Consume(ctx context.Context, r *runner.Runner) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return fmt.Errorf("queue consumer already running")
	}

	sub, err := q.js.QueueSubscribe(
		AttemptsSubject,
		WorkerGroup,
		func(msg *nats.Msg) { q.handleAttempt(ctx, r, msg) },
		nats.Durable(WorkerGroup),
		nats.ManualAck(),
		nats.AckWait(AckWait),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to attempts: %w", err)
	}

	q.sub = sub
	q.running = true
	log.Printf("Consuming attempts from %s as %s", AttemptsSubject, WorkerGroup)
	return nil
}

func (q *Queue) handleAttempt(ctx context.Context, r *runner.Runner, msg *nats.Msg) {
	var attempt runner.Attempt
	if err := json.Unmarshal(msg.Data, &attempt); err != nil {
		// a malformed attempt can never succeed on redelivery
		log.Printf("Failed to unmarshal attempt: %v", err)
		msg.Term()
		return
	}

	q.wg.Add(1)
	defer q.wg.Done()

	err := r.Run(ctx, &attempt)
	if err == nil {
		msg.Ack()
		return
	}

	var retryErr *runner.RetryError
	if errors.As(err, &retryErr) {
		if nakErr := msg.NakWithDelay(retryErr.Delay); nakErr != nil {
			log.Printf("Failed to nak attempt for task run %s: %v", attempt.TaskRunID, nakErr)
		}
		return
	}

	// permanent failures are already recorded against the task run
	log.Printf("Attempt for task run %s failed: %v", attempt.TaskRunID, err)
	msg.Ack()
}

// Depth reports how many attempts are waiting in the stream.
func (q *Queue) Depth() (int, error) {
	info, err := q.js.StreamInfo(AttemptsStream)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream info: %w", err)
	}
	return int(info.State.Msgs), nil
}

// Close stops consuming, waits for in-flight attempts, and drains the
// connection.
func (q *Queue) Close(timeout time.Duration) error {
	q.mu.Lock()
	if q.sub != nil {
		q.sub.Unsubscribe()
		q.sub = nil
	}
	q.running = false
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Println("Queue shutdown timeout reached")
	}

	return q.nc.Drain()
}
