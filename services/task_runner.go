package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"microlearn/utils"
)

const defaultTaskTimeout = 30 * time.Second

// TaskRunner runs detached background work. Tasks get their own context so they outlive the
// request that scheduled them; Wait blocks until everything scheduled so far has finished.
type TaskRunner struct {
	log     *utils.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewTaskRunner(log *utils.Logger, timeout time.Duration) *TaskRunner {
	if log == nil {
		log = utils.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &TaskRunner{log: log.With("component", "TaskRunner"), timeout: timeout}
}

// Go schedules fn. Errors and panics are logged, never propagated.
func (r *TaskRunner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("background task panicked", "task", name, "panic", fmt.Sprint(rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			r.log.Error("background task failed", "task", name, "error", err, "duration", time.Since(start).String())
			return
		}
		r.log.Debug("background task finished", "task", name, "duration", time.Since(start).String())
	}()
}

func (r *TaskRunner) Wait() {
	r.wg.Wait()
}

// WaitContext is Wait bounded by ctx, for graceful shutdown.
func (r *TaskRunner) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
