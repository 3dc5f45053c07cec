// Package docker implements a scheduler backend that runs each experiment
// in a throwaway chaostoolkit container.
package docker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/chaostoolkit"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

const Name = "docker"

var Meta = scheduler.Metadata{
	Name:           Name,
	Description:    "Docker scheduler for isolated one-shot executions",
	Version:        "0.1.0",
	SettingsPrefix: "SCHED_DOCKER_",
}

const (
	DefaultImage        = "chaostoolkit/chaostoolkit:latest"
	DefaultGracePeriod  = 10 * time.Second
	DefaultPollInterval = time.Second

	PullAlways       = "always"
	PullIfNotPresent = "if-not-present"
	PullNever        = "never"

	cleanupTimeout = 30 * time.Second
	shutdownMargin = 5 * time.Second
)

type Config struct {
	Image        string
	WorkDir      string
	GracePeriod  time.Duration
	PollInterval time.Duration
	PullPolicy   string

	// Consecutive daemon failures before new jobs are refused, and how
	// long they are refused for.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// ConfigFromSettings reads the backend's namespaced settings.
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := Config{
		Image:            DefaultImage,
		GracePeriod:      DefaultGracePeriod,
		PollInterval:     DefaultPollInterval,
		PullPolicy:       PullIfNotPresent,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerTimeout:   DefaultBreakerTimeout,
	}
	if v := settings["image"]; v != "" {
		cfg.Image = v
	}
	cfg.WorkDir = chaostoolkit.ExpandHome(settings["work_dir"])

	for key, dst := range map[string]*time.Duration{
		"grace_period":    &cfg.GracePeriod,
		"poll_interval":   &cfg.PollInterval,
		"breaker_timeout": &cfg.BreakerTimeout,
	} {
		v := settings[key]
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("%s must be positive, got %s", key, v)
		}
		*dst = d
	}

	if v := settings["breaker_threshold"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("breaker_threshold must be a positive integer, got %q", v)
		}
		cfg.BreakerThreshold = n
	}

	if v := settings["pull_policy"]; v != "" {
		switch v {
		case PullAlways, PullIfNotPresent, PullNever:
			cfg.PullPolicy = v
		default:
			return cfg, fmt.Errorf("pull_policy: unknown value %q", v)
		}
	}
	return cfg, nil
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs one container per job and supervises it until it stops.
type Scheduler struct {
	cfg     Config
	client  Client
	pool    Supervisor
	breaker *breaker
	logger  *logger.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// Supervisor starts background tasks and reports their results.
type Supervisor interface {
	Go(task workers.Task) error
}

func New(cfg Config, client Client, pool Supervisor, log *logger.Logger) *Scheduler {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Scheduler{
		cfg:     cfg,
		client:  client,
		pool:    pool,
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
		logger:  log.Component("docker-scheduler"),
		jobs:    make(map[string]*job),
	}
}

func (s *Scheduler) Metadata() scheduler.Metadata {
	return Meta
}

func (s *Scheduler) Schedule(ctx context.Context, ec scheduler.ExecutionContext) (scheduler.Info, error) {
	if !s.breaker.allow() {
		s.logger.WarnCtx(ctx, "docker job refused, daemon breaker open",
			logger.Field{Key: "schedule_id", Value: ec.ScheduleID})
		return nil, ErrDaemonUnavailable
	}

	id := uuid.NewString()
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, done: make(chan struct{})}

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
			return s.execute(ctx, id, ec)
		},
	})
	if err != nil {
		s.forget(id)
		cancel()
		return nil, fmt.Errorf("start docker job: %w", err)
	}

	s.logger.InfoCtx(ctx, "docker job started",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "schedule_id", Value: ec.ScheduleID},
		logger.Field{Key: "image", Value: s.cfg.Image})

	info := scheduler.NewInfo(Name, id)
	info["image"] = s.cfg.Image
	return info, nil
}

func (s *Scheduler) execute(ctx context.Context, id string, ec scheduler.ExecutionContext) (int, string, error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "chaoshub-docker-")
	if err != nil {
		return -1, "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if _, err := chaostoolkit.WriteRunFiles(dir, ec); err != nil {
		return -1, "", err
	}

	if err := s.pull(ctx); err != nil {
		return -1, "", s.daemonError(ctx, err)
	}

	containerID, err := s.client.CreateContainer(ctx, ContainerSpec{
		Image: s.cfg.Image,
		Cmd: chaostoolkit.RunArgs(
			MountTarget+"/"+chaostoolkit.SettingsFilename,
			ec.Org.Name, ec.Workspace.Name,
			MountTarget+"/"+chaostoolkit.ExperimentFile,
		),
		HostDir: dir,
		Labels: map[string]string{
			"io.chaoshub.job":      id,
			"io.chaoshub.schedule": ec.ScheduleID,
		},
	})
	if err != nil {
		return -1, "", s.daemonError(ctx, err)
	}
	defer s.remove(containerID)

	if err := s.client.StartContainer(ctx, containerID); err != nil {
		return -1, "", s.daemonError(ctx, err)
	}
	s.breaker.success()

	return s.wait(ctx, containerID)
}

// pull fetches the image according to the pull policy. With
// if-not-present the registry is only contacted when the image is missing
// locally.
func (s *Scheduler) pull(ctx context.Context) error {
	switch s.cfg.PullPolicy {
	case PullNever:
		return nil
	case PullIfNotPresent:
		ok, err := s.client.ImageExists(ctx, s.cfg.Image)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		s.logger.Info("image not present, pulling", logger.Field{Key: "image", Value: s.cfg.Image})
	}
	return s.client.PullImage(ctx, s.cfg.Image)
}

// wait polls the container until it stops. When ctx is cancelled the
// container is stopped with the grace period as Docker's stop timeout.
func (s *Scheduler) wait(ctx context.Context, containerID string) (int, string, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.stop(containerID)
		case <-ticker.C:
		}

		inspect, err := s.client.InspectContainer(ctx, containerID)
		if err != nil {
			if ctx.Err() != nil {
				return s.stop(containerID)
			}
			return -1, "", s.daemonError(ctx, err)
		}
		if inspect.State != nil && !inspect.State.Running {
			return inspect.State.ExitCode, inspect.State.Error, nil
		}
	}
}

func (s *Scheduler) stop(containerID string) (int, string, error) {
	timeout := int(s.cfg.GracePeriod.Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod+cleanupTimeout)
	defer cancel()

	if err := s.client.StopContainer(ctx, containerID, &timeout); err != nil {
		return -1, "", err
	}
	inspect, err := s.client.InspectContainer(ctx, containerID)
	if err != nil || inspect.State == nil {
		return -1, "", nil
	}
	return inspect.State.ExitCode, "", nil
}

func (s *Scheduler) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.client.RemoveContainer(ctx, containerID); err != nil {
		s.logger.Warn("failed to remove container",
			logger.Field{Key: "container_id", Value: containerID},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

// daemonError counts err against the breaker unless the job was cancelled.
func (s *Scheduler) daemonError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		wasOpen := s.breaker.open()
		s.breaker.failure()
		if !wasOpen && s.breaker.open() {
			s.logger.Warn("docker daemon breaker opened, refusing new jobs",
				logger.Field{Key: "cooldown", Value: s.cfg.BreakerTimeout.String()},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}
	return err
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Cancel stops the job's container without waiting for it. Unknown ids
// yield scheduler.ErrJobNotFound.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("docker job %s: %w", jobID, scheduler.ErrJobNotFound)
	}
	j.cancel()
	s.logger.InfoCtx(ctx, "docker job cancelled", logger.Field{Key: "job_id", Value: jobID})
	return nil
}

// Shutdown stops every container, waits for the supervisors to finish and
// closes the Docker client.
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

	timedOut := false
wait:
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-timer.C:
			timedOut = true
			break wait
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.client.Close(); err != nil {
		s.logger.Warn("failed to close docker client", logger.Field{Key: "error", Value: err.Error()})
	}

	s.logger.Info("docker scheduler shut down", logger.Field{Key: "jobs_stopped", Value: len(jobs)})
	if timedOut {
		return fmt.Errorf("docker jobs did not stop within %s", s.cfg.GracePeriod)
	}
	return nil
}

// Jobs returns the ids of the running jobs, sorted.
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
