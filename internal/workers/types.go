// Package workers supervises background experiment executions.
// Every submitted task runs in its own goroutine and reports a structured
// Result on a single results channel, which one coordinator consumes.
package workers

import (
	"context"
	"time"
)

// Task is a unit of background work bound to a scheduler job.
type Task struct {
	ID         string          // Job identifier
	ScheduleID string          // Schedule record the job belongs to
	Scheduler  string          // Name of the backend that owns the job
	Context    context.Context // Job context; cancelling it stops the job
	Run        TaskExecutor
}

// TaskExecutor runs the task to completion and returns the child's exit code
// and a tail of its output. A non-nil error with exit code -1 means the
// process never ran.
type TaskExecutor func(ctx context.Context) (exitCode int, output string, err error)

// Result is the outcome of a task.
type Result struct {
	JobID      string
	ScheduleID string
	Scheduler  string
	ExitCode   int
	Output     string
	Err        error
	Cancelled  bool
	Duration   time.Duration
}

// Failed reports whether the job ended unsuccessfully for reasons other than
// cancellation.
func (r Result) Failed() bool {
	return !r.Cancelled && (r.Err != nil || r.ExitCode != 0)
}

// Status returns the metric label for the result.
func (r Result) Status() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.Failed():
		return "failed"
	default:
		return "completed"
	}
}

// PoolMetrics tracks execution counters for the pool.
type PoolMetrics struct {
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksFailed    uint64
	TasksCancelled uint64
	TasksActive    int64
	TotalDuration  time.Duration
}

// Recorder receives job lifecycle events, usually backed by Prometheus.
type Recorder interface {
	JobStarted(scheduler string)
	JobFinished(scheduler, status string, d time.Duration)
}

const (
	DefaultResultBuffer = 100
)
