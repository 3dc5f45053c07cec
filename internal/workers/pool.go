package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aatumaykin/chaoshub/internal/logger"
)

// ErrPoolStopped is returned by Go once Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool runs one goroutine per task. There is no queue and no upper bound:
// the backends it serves target low-volume ad hoc runs.
type Pool struct {
	resultCh chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logger.Logger
	recorder Recorder

	mu      sync.RWMutex
	stopped bool
	metrics PoolMetrics
}

// NewPool creates a pool whose results channel holds bufferSize entries.
// recorder may be nil.
func NewPool(bufferSize int, log *logger.Logger, recorder Recorder) *Pool {
	if bufferSize <= 0 {
		bufferSize = DefaultResultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		resultCh: make(chan Result, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.Component("worker-pool"),
		recorder: recorder,
	}
}

// Go starts task in a new goroutine and returns once that goroutine is running.
func (p *Pool) Go(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s: no executor", task.ID)
	}
	if task.Context == nil {
		task.Context = p.ctx
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.metrics.TasksSubmitted++
	p.metrics.TasksActive++
	p.wg.Add(1)
	p.mu.Unlock()

	if p.recorder != nil {
		p.recorder.JobStarted(task.Scheduler)
	}

	started := make(chan struct{})
	go p.run(task, started)
	<-started

	p.logger.Debug("task started",
		logger.Field{Key: "job_id", Value: task.ID},
		logger.Field{Key: "scheduler", Value: task.Scheduler})
	return nil
}

func (p *Pool) run(task Task, started chan<- struct{}) {
	defer p.wg.Done()

	startTime := time.Now()
	result := Result{
		JobID:      task.ID,
		ScheduleID: task.ScheduleID,
		Scheduler:  task.Scheduler,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.ExitCode = -1
				result.Err = fmt.Errorf("panic: %v", r)
				p.logger.Error("task panic recovered", result.Err,
					logger.Field{Key: "job_id", Value: task.ID})
			}
		}()
		close(started)
		result.ExitCode, result.Output, result.Err = task.Run(task.Context)
	}()

	result.Duration = time.Since(startTime)
	result.Cancelled = task.Context.Err() != nil
	p.record(result)

	select {
	case p.resultCh <- result:
	case <-p.ctx.Done():
		p.logger.Warn("dropping task result, pool shutting down",
			logger.Field{Key: "job_id", Value: task.ID},
			logger.Field{Key: "status", Value: result.Status()})
	}

	p.logger.Debug("task finished",
		logger.Field{Key: "job_id", Value: task.ID},
		logger.Field{Key: "exit_code", Value: result.ExitCode},
		logger.Field{Key: "duration_ms", Value: result.Duration.Milliseconds()},
		logger.Field{Key: "status", Value: result.Status()})
}

func (p *Pool) record(r Result) {
	p.mu.Lock()
	p.metrics.TasksActive--
	switch r.Status() {
	case "cancelled":
		p.metrics.TasksCancelled++
	case "failed":
		p.metrics.TasksFailed++
	default:
		p.metrics.TasksCompleted++
	}
	p.metrics.TotalDuration += r.Duration
	p.mu.Unlock()

	if p.recorder != nil {
		p.recorder.JobFinished(r.Scheduler, r.Status(), r.Duration)
	}
}

// Results returns the channel every task result is sent on. It is closed by Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// Wait blocks until every started task has returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, waits for running ones and closes the results
// channel. Backends must have terminated their jobs before Stop is called,
// otherwise Stop waits for them to exit on their own.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.resultCh)

	m := p.Metrics()
	p.logger.Info("worker pool stopped",
		logger.Field{Key: "tasks_submitted", Value: m.TasksSubmitted},
		logger.Field{Key: "tasks_completed", Value: m.TasksCompleted},
		logger.Field{Key: "tasks_failed", Value: m.TasksFailed},
		logger.Field{Key: "tasks_cancelled", Value: m.TasksCancelled})
}
