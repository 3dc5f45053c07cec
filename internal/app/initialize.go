package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aatumaykin/chaoshub/internal/api"
	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/metrics"
	"github.com/aatumaykin/chaoshub/internal/retention"
	"github.com/aatumaykin/chaoshub/internal/retry"
	"github.com/aatumaykin/chaoshub/internal/schedule"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/builtin"
	"github.com/aatumaykin/chaoshub/internal/scheduling"
	"github.com/aatumaykin/chaoshub/internal/services"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

const metricsNamespace = "chaoshub"

// Initialize builds every component in dependency order. A scheduler
// configuration problem aborts startup before anything is dispatched.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("application already initialized")
	}

	// 1. Schedule store
	if a.config.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(a.config.Database.Path), 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := schedule.Open(a.config.Database.Path, a.logger)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.store = store

	// 2. Metrics
	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(metricsNamespace, a.promReg)

	// 3. Worker pool supervising local and docker jobs
	a.pool = workers.NewPool(a.config.Schedulers.ResultsBuffer, a.logger, a.metrics)

	// 4. Scheduler registry
	a.registry = scheduler.NewRegistry(a.logger, builtin.Factories(builtin.Deps{
		Logger:       a.logger,
		Pool:         a.pool,
		Crontab:      a.crontab,
		DockerClient: a.dockerClient,
	})...)
	environ := a.environ
	if environ == nil {
		environ = os.Environ()
	}
	if err := a.registry.Register(a.config.Schedulers.Enabled, a.config.SchedulerSettings(environ)); err != nil {
		a.pool.Stop()
		store.Close()
		return err
	}

	// 5. Dashboard collaborators
	collab := a.collaborators
	if collab == nil {
		client := services.New(services.Config{
			BaseURL: a.config.Dashboard.URL,
			APIKey:  a.config.Dashboard.APIKey,
			Timeout: time.Duration(a.config.Dashboard.TimeoutSeconds) * time.Second,
			Retry:   retry.Config{MaxAttempts: a.config.Dashboard.RetryAttempts},
		}, a.logger)
		collab = &Collaborators{Authorizer: client, Tokens: client, Experiments: client, Activities: client}
	}

	// 6. Scheduling service
	a.service = scheduling.NewService(scheduling.Config{
		HubURL:   a.config.Hub.URL,
		Location: a.config.Location(),
	}, scheduling.Deps{
		Store:       store,
		Registry:    a.registry,
		Authorizer:  collab.Authorizer,
		Tokens:      collab.Tokens,
		Experiments: collab.Experiments,
		Activities:  collab.Activities,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})

	if _, err := a.service.Recover(ctx); err != nil {
		a.logger.Error("failed to recover interrupted schedules", err)
	}

	// 7. Coordinator: runs until the pool closes its results channel.
	a.coordinatorDone = make(chan struct{})
	go func() {
		defer close(a.coordinatorDone)
		a.service.Run(context.Background(), a.pool.Results())
	}()

	// 8. Retention of finished records
	a.retention = retention.NewScheduler(store, retention.Config{
		Enabled:  a.config.Retention.Enabled,
		Interval: time.Duration(a.config.Retention.IntervalMinutes) * time.Minute,
		KeepFor:  time.Duration(a.config.Retention.KeepDays) * 24 * time.Hour,
	}, a.logger)
	a.retention.Start(context.Background())

	// 9. HTTP surface
	opts := []api.Option{api.WithGatherer(a.promReg)}
	if a.identify != nil {
		opts = append(opts, api.WithIdentify(a.identify))
	}
	a.handler = api.New(a.service, store, a.logger, opts...)

	a.started = true

	names := make([]string, 0)
	for _, m := range a.registry.Describe() {
		names = append(names, m.Name)
	}
	a.logger.Info("application initialized",
		logger.Field{Key: "schedulers", Value: names},
		logger.Field{Key: "database", Value: a.config.Database.Path},
		logger.Field{Key: "hub_url", Value: a.config.Hub.URL})
	return nil
}
