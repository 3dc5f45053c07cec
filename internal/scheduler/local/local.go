// Package local implements the immediate, one-shot scheduler backend.
// Each job runs the chaostoolkit CLI as a child process in a throwaway
// working directory; the dispatching caller never waits for it.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/chaostoolkit"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

const Name = "local"

// Meta is the static description of the backend.
var Meta = scheduler.Metadata{
	Name:           Name,
	Description:    "Local scheduler for one-shot executions",
	Version:        "0.1.0",
	SettingsPrefix: "SCHED_LOCAL_",
}

const (
	DefaultGracePeriod = 10 * time.Second
	outputTailSize     = 4096
	shutdownMargin     = 2 * time.Second
)

type Config struct {
	CLIPath     string        // chaostoolkit binary, "~" expanded
	GracePeriod time.Duration // SIGTERM to SIGKILL delay
	WorkDir     string        // parent of per-job temp dirs, empty for os.TempDir
}

// ConfigFromSettings reads the backend's namespaced settings.
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := Config{
		CLIPath:     chaostoolkit.DefaultCLIPath,
		GracePeriod: DefaultGracePeriod,
	}
	if v := settings["chaostoolkit_cli_path"]; v != "" {
		cfg.CLIPath = v
	}
	cfg.CLIPath = chaostoolkit.ExpandHome(cfg.CLIPath)

	if v := settings["grace_period"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("grace_period: %w", err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("grace_period must be positive, got %s", v)
		}
		cfg.GracePeriod = d
	}
	cfg.WorkDir = chaostoolkit.ExpandHome(settings["work_dir"])
	return cfg, nil
}

// Supervisor starts background tasks and reports their results.
type Supervisor interface {
	Go(task workers.Task) error
}

type job struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs experiments immediately as child processes.
type Scheduler struct {
	cfg    Config
	pool   Supervisor
	logger *logger.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config, pool Supervisor, log *logger.Logger) *Scheduler {
	if cfg.CLIPath == "" {
		cfg.CLIPath = chaostoolkit.DefaultCLIPath
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Scheduler{
		cfg:    cfg,
		pool:   pool,
		logger: log.Component("local-scheduler"),
		jobs:   make(map[string]*job),
	}
}

func (s *Scheduler) Metadata() scheduler.Metadata {
	return Meta
}

// Schedule starts the run in the background and returns as soon as the
// supervising goroutine has begun.
func (s *Scheduler) Schedule(ctx context.Context, ec scheduler.ExecutionContext) (scheduler.Info, error) {
	id := uuid.NewString()

	// The job outlives the request that created it.
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{id: id, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	err := s.pool.Go(workers.Task{
		ID:         id,
		ScheduleID: ec.ScheduleID,
		Scheduler:  Name,
		Context:    jctx,
		Run: func(ctx context.Context) (int, string, error) {
			defer close(j.done)
			defer s.forget(id)
			return s.execute(ctx, ec)
		},
	})
	if err != nil {
		s.forget(id)
		cancel()
		return nil, fmt.Errorf("start local job: %w", err)
	}

	s.logger.InfoCtx(ctx, "local job started",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "schedule_id", Value: ec.ScheduleID},
		logger.Field{Key: "org", Value: ec.Org.Name},
		logger.Field{Key: "workspace", Value: ec.Workspace.Name})

	return scheduler.NewInfo(Name, id), nil
}

func (s *Scheduler) execute(ctx context.Context, ec scheduler.ExecutionContext) (int, string, error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "chaoshub-run-")
	if err != nil {
		return -1, "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	rf, err := chaostoolkit.WriteRunFiles(dir, ec)
	if err != nil {
		return -1, "", err
	}

	cmd := exec.CommandContext(ctx, s.cfg.CLIPath,
		chaostoolkit.RunArgs(rf.Settings, ec.Org.Name, ec.Workspace.Name, rf.Experiment)...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	out := newTailBuffer(outputTailSize)
	cmd.Stdout = out
	cmd.Stderr = out

	// Graceful first; Wait kills the child once WaitDelay has elapsed.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cfg.GracePeriod

	if err := cmd.Start(); err != nil {
		return -1, "", fmt.Errorf("start %s: %w", s.cfg.CLIPath, err)
	}

	err = cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, out.String(), nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), out.String(), nil
	default:
		return -1, out.String(), fmt.Errorf("wait %s: %w", s.cfg.CLIPath, err)
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Cancel removes the job from the table and asks the child to stop.
// It does not wait for the child to exit. A job that already exited, or
// was never started here, yields scheduler.ErrJobNotFound.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("local job %s: %w", jobID, scheduler.ErrJobNotFound)
	}
	j.cancel()

	s.logger.InfoCtx(ctx, "local job cancelled", logger.Field{Key: "job_id", Value: jobID})
	return nil
}

// Shutdown cancels every tracked job, empties the table and waits for the
// children to exit. The wait is bounded by the grace period.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}

	timer := time.NewTimer(s.cfg.GracePeriod + shutdownMargin)
	defer timer.Stop()

	var cause error
wait:
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-timer.C:
			break wait
		case <-ctx.Done():
			cause = ctx.Err()
			break wait
		}
	}

	pending := 0
	for _, j := range jobs {
		select {
		case <-j.done:
		default:
			pending++
		}
	}

	s.logger.Info("local scheduler shut down",
		logger.Field{Key: "jobs_terminated", Value: len(jobs) - pending},
		logger.Field{Key: "jobs_pending", Value: pending})

	if pending > 0 {
		if cause != nil {
			return fmt.Errorf("%d local jobs did not exit in time: %w", pending, cause)
		}
		return fmt.Errorf("%d local jobs did not exit in time", pending)
	}
	return nil
}

// Jobs returns the ids of the tracked jobs, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
