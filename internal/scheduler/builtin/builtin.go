// Package builtin lists the scheduler backends compiled into the service.
package builtin

import (
	"context"
	"time"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/cron"
	"github.com/aatumaykin/chaoshub/internal/scheduler/docker"
	"github.com/aatumaykin/chaoshub/internal/scheduler/local"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

const dockerConnectTimeout = 10 * time.Second

// Deps are the shared collaborators handed to every backend.
type Deps struct {
	Logger *logger.Logger
	Pool   *workers.Pool

	// Crontab overrides the user's crontab, mostly in tests.
	Crontab cron.Crontab
	// DockerClient overrides the daemon connection. It is only called when
	// the docker backend is enabled.
	DockerClient func(ctx context.Context) (docker.Client, error)
}

// Factories returns the constructor table for local, cron and docker.
func Factories(d Deps) []scheduler.Factory {
	return []scheduler.Factory{
		{
			Metadata: local.Meta,
			New: func(settings map[string]string) (scheduler.Scheduler, error) {
				cfg, err := local.ConfigFromSettings(settings)
				if err != nil {
					return nil, err
				}
				return local.New(cfg, d.Pool, d.Logger), nil
			},
		},
		{
			Metadata: cron.Meta,
			New: func(settings map[string]string) (scheduler.Scheduler, error) {
				cfg, err := cron.ConfigFromSettings(settings)
				if err != nil {
					return nil, err
				}
				return cron.New(cfg, d.Crontab, d.Logger), nil
			},
		},
		{
			Metadata: docker.Meta,
			New: func(settings map[string]string) (scheduler.Scheduler, error) {
				cfg, err := docker.ConfigFromSettings(settings)
				if err != nil {
					return nil, err
				}
				connect := d.DockerClient
				if connect == nil {
					connect = func(ctx context.Context) (docker.Client, error) {
						return docker.NewDockerClient(ctx)
					}
				}
				ctx, cancel := context.WithTimeout(context.Background(), dockerConnectTimeout)
				defer cancel()
				client, err := connect(ctx)
				if err != nil {
					return nil, err
				}
				return docker.New(cfg, client, d.Pool, d.Logger), nil
			},
		},
	}
}
