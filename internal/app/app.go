// Package app wires the scheduling subsystem together and owns its
// lifecycle: startup order, the HTTP listener and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aatumaykin/chaoshub/internal/api"
	"github.com/aatumaykin/chaoshub/internal/config"
	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/metrics"
	"github.com/aatumaykin/chaoshub/internal/retention"
	"github.com/aatumaykin/chaoshub/internal/schedule"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/cron"
	"github.com/aatumaykin/chaoshub/internal/scheduler/docker"
	"github.com/aatumaykin/chaoshub/internal/scheduling"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

// Collaborators replace the dashboard client. All four must be set.
type Collaborators struct {
	Authorizer  scheduling.Authorizer
	Tokens      scheduling.TokenResolver
	Experiments scheduling.ExperimentStore
	Activities  scheduling.ActivityFeed
}

type Option func(*App)

// WithCollaborators bypasses the dashboard HTTP client.
func WithCollaborators(c Collaborators) Option {
	return func(a *App) {
		a.collaborators = &c
	}
}

// WithCrontab replaces the user's crontab for the cron backend.
func WithCrontab(tab cron.Crontab) Option {
	return func(a *App) {
		a.crontab = tab
	}
}

// WithDockerClient replaces the docker daemon connection.
func WithDockerClient(fn func(ctx context.Context) (docker.Client, error)) Option {
	return func(a *App) {
		a.dockerClient = fn
	}
}

// WithEnviron sets the environment SCHED_* overrides are read from.
// The default is os.Environ.
func WithEnviron(env []string) Option {
	return func(a *App) {
		a.environ = env
	}
}

// WithIdentify replaces the X-Account-Id header identity.
func WithIdentify(fn api.IdentifyFunc) Option {
	return func(a *App) {
		a.identify = fn
	}
}

type App struct {
	config *config.Config
	logger *logger.Logger

	collaborators *Collaborators
	crontab       cron.Crontab
	dockerClient  func(ctx context.Context) (docker.Client, error)
	environ       []string
	identify      api.IdentifyFunc

	store     *schedule.Store
	promReg   *prometheus.Registry
	metrics   *metrics.Metrics
	pool      *workers.Pool
	registry  *scheduler.Registry
	service   *scheduling.Service
	retention *retention.Scheduler
	handler   http.Handler
	server    *http.Server

	coordinatorDone chan struct{}

	mu      sync.Mutex
	started bool
}

func New(cfg *config.Config, log *logger.Logger, opts ...Option) *App {
	a := &App{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run initializes the application, serves HTTP until ctx is cancelled and
// then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.config.Server.Addr)
	if err != nil {
		a.shutdownTimeout()
		return fmt.Errorf("listen on %s: %w", a.config.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or the server
// fails, then shuts the application down.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Component("http").StdLogger().Handler(), slog.LevelError),
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", logger.Field{Key: "addr", Value: ln.Addr().String()})
		serveErr <- a.server.Serve(ln)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	if shutdownErr := a.shutdownTimeout(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// Handler returns the HTTP handler built by Initialize.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Registry returns the scheduler registry built by Initialize.
func (a *App) Registry() *scheduler.Registry {
	return a.registry
}

func (a *App) shutdownTimeout() error {
	timeout := time.Duration(a.config.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultShutdownTimeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Shutdown(ctx)
}
