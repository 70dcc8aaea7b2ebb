package runner

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// LocalDispatcher runs attempts in-process on goroutines, sleeping through
// retry delays instead of going through a broker. It backs tests and
// single-binary development; production dispatch goes through the NATS
// queue.
type LocalDispatcher struct {
	runner *Runner
	wg     sync.WaitGroup
}

// NewLocalDispatcher returns a dispatcher executing on r.
func NewLocalDispatcher(r *Runner) *LocalDispatcher {
	return &LocalDispatcher{runner: r}
}

// Dispatch starts the attempt on a goroutine and returns immediately.
func (d *LocalDispatcher) Dispatch(ctx context.Context, msg *Attempt) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			err := d.runner.Run(ctx, msg)
			if err == nil {
				return
			}
			var retryErr *RetryError
			if !errors.As(err, &retryErr) {
				log.Printf("Attempt for task run %s failed: %v", msg.TaskRunID, err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryErr.Delay):
			}
		}
	}()
	return nil
}

// Wait blocks until all dispatched attempts have settled.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
