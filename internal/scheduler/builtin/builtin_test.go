package builtin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/docker"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

func newRegistry(t *testing.T, deps Deps) *scheduler.Registry {
	t.Helper()
	if deps.Pool == nil {
		deps.Pool = workers.NewPool(1, logger.Nop(), nil)
		t.Cleanup(deps.Pool.Stop)
	}
	deps.Logger = logger.Nop()
	return scheduler.NewRegistry(logger.Nop(), Factories(deps)...)
}

func TestFactories_Names(t *testing.T) {
	var names []string
	for _, f := range Factories(Deps{}) {
		names = append(names, f.Metadata.Name)
	}
	assert.Equal(t, []string{"local", "cron", "docker"}, names)
}

func TestFactories_RegisterLocalAndCron(t *testing.T) {
	reg := newRegistry(t, Deps{})

	err := reg.Register([]string{"local", "cron"}, map[string]string{
		"SCHED_LOCAL_GRACE_PERIOD": "2s",
		"SCHED_CRON_PAYLOAD_DIR":   t.TempDir(),
	})
	require.NoError(t, err)
	assert.True(t, reg.IsRegistered("local"))
	assert.True(t, reg.IsRegistered("cron"))
	assert.False(t, reg.IsRegistered("docker"))
}

func TestFactories_InvalidSettings(t *testing.T) {
	reg := newRegistry(t, Deps{})

	err := reg.Register([]string{"local"}, map[string]string{"SCHED_LOCAL_GRACE_PERIOD": "later"})
	assert.True(t, scheduler.IsConfigurationError(err))
}

func TestFactories_DockerConnectFailure(t *testing.T) {
	reg := newRegistry(t, Deps{
		DockerClient: func(ctx context.Context) (docker.Client, error) {
			return nil, errors.New("daemon unavailable")
		},
	})

	err := reg.Register([]string{"docker"}, nil)
	require.Error(t, err)
	assert.True(t, scheduler.IsConfigurationError(err))
	assert.ErrorContains(t, err, "daemon unavailable")
}
