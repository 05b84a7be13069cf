// ============================================================================
// Exposure Pipeline Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes scheduled tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait) or exit on stopCh
//   2. Execute task.Run (with timeout control, panics recovered)
//   3. Send result to resultCh
//
// Timeout Control:
//   Each task gets its own Context derived from the pool's base Context:
//   - Task.Timeout > 0 wraps it with context.WithTimeout
//   - Cancelling the base Context cancels every running task
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging
	base     context.Context // Cancelling it cancels the running task
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // Closed by Pool.Stop
	log      *slog.Logger
}
	log      *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, base context.Context, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		base:     base,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      log.With("worker", id),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				// Pool 停止後沒有人讀取結果
				w.log.Debug("dropping result after stop", "task", task.ID)
				return
			}
		}
	}
}

// execute runs one task and converts panics into a failed Result
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{TaskID: task.ID, Name: task.Name}

	if task.Run == nil {
		result.Err = ErrNoRunFunc
		return result
	}

	ctx, cancel := w.base, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.base, task.Timeout)
	}
	defer cancel()

	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			w.log.Error("Task panicked", "task", task.ID, "name", task.Name, "panic", r)
			result.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			result.Panicked = true
		}
	}()

	result.Err = task.Run(ctx)
	return result
}
