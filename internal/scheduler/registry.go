package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aatumaykin/chaoshub/internal/logger"
)

const discardTimeout = 30 * time.Second

// Registry maps scheduler names to their instances.
//
// It is built once at startup by Register and read by every dispatch.
// Register replaces the whole table; it never merges.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	schedulers map[string]Scheduler
	logger     *logger.Logger
}

// NewRegistry creates an empty registry able to build the given backends.
func NewRegistry(log *logger.Logger, factories ...Factory) *Registry {
	fs := make(map[string]Factory, len(factories))
	for _, f := range factories {
		fs[f.Metadata.Name] = f
	}
	return &Registry{
		factories:  fs,
		schedulers: make(map[string]Scheduler),
		logger:     log.Component("scheduler-registry"),
	}
}

// Register builds one instance per enabled backend. Each backend only sees the
// settings under its own prefix, with the prefix stripped and the key
// lower-cased. On error the previous table is left untouched.
func (r *Registry) Register(enabled []string, settings map[string]string) error {
	next := make(map[string]Scheduler, len(enabled))

	for _, name := range enabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := r.factories[name]
		if !ok {
			r.discard(next)
			return &ConfigurationError{Scheduler: name, Err: ErrUnknownScheduler}
		}
		if _, dup := next[name]; dup {
			continue
		}

		s, err := f.New(NamespacedSettings(f.Metadata.SettingsPrefix, settings))
		if err != nil {
			r.discard(next)
			return &ConfigurationError{Scheduler: name, Err: err}
		}
		next[name] = s
	}

	r.mu.Lock()
	r.schedulers = next
	r.mu.Unlock()

	for name, s := range next {
		md := s.Metadata()
		r.logger.Info("scheduler registered",
			logger.Field{Key: "name", Value: name},
			logger.Field{Key: "version", Value: md.Version})
	}
	return nil
}

// discard shuts down instances built by a Register call that failed
// part-way, so their clients and files are released.
func (r *Registry) discard(built map[string]Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()

	for name, s := range built {
		sd, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := sd.Shutdown(ctx); err != nil {
			r.logger.Warn("failed to release partially registered scheduler",
				logger.Field{Key: "scheduler", Value: name},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// NamespacedSettings returns the entries of settings starting with prefix,
// keyed by the remainder of the key in lower case.
func NamespacedSettings(prefix string, settings map[string]string) map[string]string {
	out := make(map[string]string)
	if prefix == "" {
		return out
	}
	for k, v := range settings {
		if strings.HasPrefix(k, prefix) {
			out[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
		}
	}
	return out
}

// List returns a snapshot of the registered schedulers.
func (r *Registry) List() map[string]Scheduler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Scheduler, len(r.schedulers))
	for k, v := range r.schedulers {
		out[k] = v
	}
	return out
}

// Describe returns the metadata of every registered scheduler sorted by name.
func (r *Registry) Describe() []Metadata {
	list := r.List()
	out := make([]Metadata, 0, len(list))
	for _, s := range list {
		out = append(out, s.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsRegistered reports whether name is present in the registry.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schedulers[name]
	return ok
}

func (r *Registry) get(name string) (Scheduler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedulers[name]
	if !ok {
		return nil, &ConfigurationError{Scheduler: name, Err: ErrUnknownScheduler}
	}
	return s, nil
}

// Dispatch hands ec to the named backend and returns its result unchanged.
func (r *Registry) Dispatch(ctx context.Context, name string, ec ExecutionContext) (Info, error) {
	s, err := r.get(name)
	if err != nil {
		return nil, err
	}

	r.logger.DebugCtx(ctx, "dispatching execution",
		logger.Field{Key: "scheduler", Value: name},
		logger.Field{Key: "schedule_id", Value: ec.ScheduleID})

	return s.Schedule(ctx, ec)
}

// Cancel stops jobID on the named backend. Backends without the capability
// are skipped.
func (r *Registry) Cancel(ctx context.Context, name, jobID string) error {
	s, err := r.get(name)
	if err != nil {
		return err
	}
	c, ok := s.(Canceler)
	if !ok {
		r.logger.DebugCtx(ctx, "scheduler cannot cancel jobs",
			logger.Field{Key: "scheduler", Value: name})
		return nil
	}
	return c.Cancel(ctx, jobID)
}

// ShutdownAll shuts down every backend exposing the capability and waits
// for all of them. Errors are joined.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	list := r.List()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, s := range list {
		sd, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, sd Shutdowner) {
			defer wg.Done()
			if err := sd.Shutdown(ctx); err != nil {
				r.logger.Error("scheduler shutdown failed", err,
					logger.Field{Key: "scheduler", Value: name})
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
				return
			}
			r.logger.Info("scheduler stopped", logger.Field{Key: "scheduler", Value: name})
		}(name, sd)
	}
	wg.Wait()

	return errors.Join(errs...)
}
