// Package scheduling validates schedule requests, builds the execution
// context handed to a scheduler backend, and keeps Schedule records in step
// with what the backends report.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/schedule"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
)

const defaultActivityTimeout = 10 * time.Second

// Dispatcher is the part of scheduler.Registry the service needs.
type Dispatcher interface {
	IsRegistered(name string) bool
	Dispatch(ctx context.Context, name string, ec scheduler.ExecutionContext) (scheduler.Info, error)
	Cancel(ctx context.Context, name, jobID string) error
	Describe() []scheduler.Metadata
}

// Store is the part of schedule.Store the service needs.
type Store interface {
	Create(ctx context.Context, sc *schedule.Schedule) error
	Get(ctx context.Context, id string) (*schedule.Schedule, error)
	ListByExperiment(ctx context.Context, accountID, experimentID string) ([]*schedule.Schedule, error)
	ListByStatus(ctx context.Context, statuses ...schedule.Status) ([]*schedule.Schedule, error)
	MergeInfo(ctx context.Context, id string, info map[string]any) (*schedule.Schedule, error)
	Advance(ctx context.Context, id string, status schedule.Status, info map[string]any) (*schedule.Schedule, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	HubURL          string         // public URL of the dashboard, handed to the runner
	Location        *time.Location // zone of date/time fields without offset, default UTC
	ActivityTimeout time.Duration
}

// Deps are the collaborators of the service. Metrics may be nil.
type Deps struct {
	Store       Store
	Registry    Dispatcher
	Authorizer  Authorizer
	Tokens      TokenResolver
	Experiments ExperimentStore
	Activities  ActivityFeed
	Metrics     Recorder
	Logger      *logger.Logger
}

// Target addresses an experiment by org and workspace name.
type Target struct {
	Org        string
	Workspace  string
	Experiment string
}

type Service struct {
	cfg         Config
	store       Store
	registry    Dispatcher
	auth        Authorizer
	tokens      TokenResolver
	experiments ExperimentStore
	activities  ActivityFeed
	metrics     Recorder
	logger      *logger.Logger
	now         func() time.Time

	bg sync.WaitGroup
}

func NewService(cfg Config, d Deps) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}
	var rec Recorder = nopRecorder{}
	if d.Metrics != nil {
		rec = d.Metrics
	}
	return &Service{
		cfg:         cfg,
		store:       d.Store,
		registry:    d.Registry,
		auth:        d.Authorizer,
		tokens:      d.Tokens,
		experiments: d.Experiments,
		activities:  d.Activities,
		metrics:     rec,
		logger:      d.Logger.Component("scheduling"),
		now:         time.Now,
	}
}

// CreateSchedule validates definition, persists a pending Schedule, hands
// the execution to the requested backend and returns the active record.
// Nothing is persisted when validation fails.
func (s *Service) CreateSchedule(ctx context.Context, caller Caller, target Target, definition map[string]any) (*schedule.Schedule, error) {
	if len(definition) == 0 {
		return nil, &ValidationError{Message: "empty schedule request"}
	}

	access, exp, err := s.authorize(ctx, caller, target, PermissionView, PermissionWrite)
	if err != nil {
		return nil, err
	}

	name := stringField(definition, "scheduler")
	if !s.registry.IsRegistered(name) {
		return nil, &ValidationError{
			Field:   "scheduler",
			Message: "Invalid scheduler",
			Err:     &scheduler.ConfigurationError{Scheduler: name, Err: scheduler.ErrUnknownScheduler},
		}
	}

	tokenID := stringField(definition, "token")
	if tokenID == "" {
		return nil, &ValidationError{Field: "token", Message: "Invalid token"}
	}
	token, err := s.tokens.Token(ctx, caller, tokenID)
	if errors.Is(err, ErrNotFound) {
		return nil, &ValidationError{Field: "token", Message: "Invalid token", Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	when, err := s.scheduledTime(definition)
	if err != nil {
		return nil, err
	}

	payload, err := preparePayload(exp)
	if err != nil {
		return nil, err
	}

	sc := &schedule.Schedule{
		AccountID:    caller.AccountID,
		OrgID:        access.Org.ID,
		WorkspaceID:  access.Workspace.ID,
		ExperimentID: exp.ID,
		TokenID:      token.ID,
		Scheduled:    when,
		Status:       schedule.StatusPending,
		Definition:   definition,
	}
	if err := s.store.Create(ctx, sc); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}
	s.metrics.RecordStatus(string(schedule.StatusPending))

	ec := scheduler.ExecutionContext{
		ScheduleID: sc.ID,
		HubURL:     s.cfg.HubURL,
		Token:      token.AccessToken,
		Org:        access.Org,
		Workspace:  access.Workspace,
		Experiment: scheduler.Experiment{ID: exp.ID, Payload: payload},
		Scheduled:  when,
		Definition: definition,
	}

	// The record must follow the backend even if the caller goes away now.
	bgctx := context.WithoutCancel(ctx)

	info, err := s.registry.Dispatch(ctx, name, ec)
	if err != nil {
		s.metrics.RecordDispatch(name, "error")
		s.logger.ErrorCtx(ctx, "dispatch failed", err,
			logger.Field{Key: "schedule_id", Value: sc.ID},
			logger.Field{Key: "scheduler", Value: name})
		if _, uerr := s.store.Advance(bgctx, sc.ID, schedule.StatusFailed, map[string]any{
			scheduler.InfoScheduler: name,
			"error":                 err.Error(),
		}); uerr != nil {
			s.logger.ErrorCtx(ctx, "failed to record dispatch failure", uerr,
				logger.Field{Key: "schedule_id", Value: sc.ID})
		} else {
			s.metrics.RecordStatus(string(schedule.StatusFailed))
		}
		return nil, &DispatchError{ScheduleID: sc.ID, Scheduler: name, Err: err}
	}
	s.metrics.RecordDispatch(name, "accepted")

	updated, err := s.store.Advance(bgctx, sc.ID, schedule.StatusActive, info)
	if errors.Is(err, schedule.ErrStatusRegression) {
		// The job already finished and the coordinator got there first.
		updated, err = s.store.MergeInfo(bgctx, sc.ID, info)
	} else if err == nil {
		s.metrics.RecordStatus(string(schedule.StatusActive))
	}
	if err != nil {
		return nil, fmt.Errorf("record dispatch result: %w", err)
	}

	s.logger.InfoCtx(ctx, "schedule created",
		logger.Field{Key: "schedule_id", Value: sc.ID},
		logger.Field{Key: "scheduler", Value: name},
		logger.Field{Key: "job_id", Value: info.JobID()},
		logger.Field{Key: "scheduled", Value: when.Format(time.RFC3339)})

	s.recordActivity(bgctx, Activity{
		Title:       "Schedule",
		AccountID:   caller.AccountID,
		OrgID:       access.Org.ID,
		WorkspaceID: access.Workspace.ID,
		Type:        "schedule",
		Info:        "created",
		Visibility:  "collaborator",
	})

	return updated, nil
}

// authorize resolves the target and checks the caller holds want on it.
// The experiment must belong to the resolved workspace.
func (s *Service) authorize(ctx context.Context, caller Caller, target Target, want ...Permission) (Access, Experiment, error) {
	access, err := s.auth.Access(ctx, caller, target.Org, target.Workspace)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Access{}, Experiment{}, fmt.Errorf("workspace %s/%s: %w", target.Org, target.Workspace, ErrNotFound)
		}
		return Access{}, Experiment{}, fmt.Errorf("check access: %w", err)
	}

	var missing []Permission
	for _, p := range want {
		if !access.Has(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return Access{}, Experiment{}, &AuthorizationError{Missing: missing}
	}

	exp, err := s.experiments.Experiment(ctx, target.Experiment)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Access{}, Experiment{}, fmt.Errorf("experiment %s: %w", target.Experiment, ErrNotFound)
		}
		return Access{}, Experiment{}, fmt.Errorf("load experiment: %w", err)
	}
	if exp.WorkspaceID != access.Workspace.ID {
		return Access{}, Experiment{}, fmt.Errorf("experiment %s: %w", target.Experiment, ErrNotFound)
	}
	return access, exp, nil
}

var timeLayouts = []string{"15:04", "15:04:05"}

// scheduledTime reads the date and time fields. date may also carry a full
// RFC 3339 timestamp on its own.
func (s *Service) scheduledTime(def map[string]any) (time.Time, error) {
	date := stringField(def, "date")
	if date == "" {
		return time.Time{}, &ValidationError{Field: "date", Message: "Specify a date"}
	}

	when, err := time.Parse(time.RFC3339, date)
	if err != nil {
		clock := stringField(def, "time")
		if clock == "" {
			return time.Time{}, &ValidationError{Field: "time", Message: "Specify a time"}
		}
		day, err := time.ParseInLocation("2006-01-02", date, s.cfg.Location)
		if err != nil {
			return time.Time{}, &ValidationError{Field: "date", Message: "Invalid date", Err: err}
		}
		var tod time.Time
		for _, layout := range timeLayouts {
			if tod, err = time.Parse(layout, clock); err == nil {
				break
			}
		}
		if err != nil {
			return time.Time{}, &ValidationError{Field: "time", Message: "Invalid time", Err: err}
		}
		when = time.Date(day.Year(), day.Month(), day.Day(),
			tod.Hour(), tod.Minute(), tod.Second(), 0, s.cfg.Location)
	}

	if !when.After(s.now()) {
		return time.Time{}, &ValidationError{Field: "date", Message: "Scheduled time must be in the future"}
	}
	return when.UTC(), nil
}

func (s *Service) recordActivity(ctx context.Context, a Activity) {
	if s.activities == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ActivityTimeout)
		defer cancel()
		if err := s.activities.Record(ctx, a); err != nil {
			s.logger.Warn("failed to record activity",
				logger.Field{Key: "type", Value: a.Type},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}()
}

// Wait blocks until background activity deliveries have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// TokenSummary is a token as listed to its owner.
type TokenSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Context is what a client needs to render the scheduling form.
type Context struct {
	Tokens     []TokenSummary       `json:"tokens"`
	Schedulers []scheduler.Metadata `json:"schedulers"`
	Schedules  []*schedule.Schedule `json:"schedules"`
}

// ScheduleContext returns the caller's tokens, the registered schedulers and
// the caller's schedules for the experiment.
func (s *Service) ScheduleContext(ctx context.Context, caller Caller, target Target) (*Context, error) {
	_, exp, err := s.authorize(ctx, caller, target, PermissionView, PermissionWrite)
	if err != nil {
		return nil, err
	}

	tokens, err := s.tokens.Tokens(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	schedules, err := s.store.ListByExperiment(ctx, caller.AccountID, exp.ID)
	if err != nil {
		return nil, err
	}

	out := &Context{
		Tokens:     make([]TokenSummary, 0, len(tokens)),
		Schedulers: s.registry.Describe(),
		Schedules:  schedules,
	}
	for _, t := range tokens {
		out.Tokens = append(out.Tokens, TokenSummary{ID: t.ID, Name: t.Name})
	}
	if out.Schedules == nil {
		out.Schedules = []*schedule.Schedule{}
	}
	return out, nil
}

// load returns the schedule if it belongs to the target experiment.
func (s *Service) load(ctx context.Context, access Access, exp Experiment, id string) (*schedule.Schedule, error) {
	sc, err := s.store.Get(ctx, id)
	if errors.Is(err, schedule.ErrNotFound) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sc.WorkspaceID != access.Workspace.ID || sc.ExperimentID != exp.ID {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, nil
}

func (s *Service) GetSchedule(ctx context.Context, caller Caller, target Target, id string) (*schedule.Schedule, error) {
	access, exp, err := s.authorize(ctx, caller, target, PermissionView)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, access, exp, id)
}

// CancelSchedule stops the backend job and marks the record cancelled.
// Cancelling a cancelled schedule returns it unchanged.
func (s *Service) CancelSchedule(ctx context.Context, caller Caller, target Target, id string) (*schedule.Schedule, error) {
	access, exp, err := s.authorize(ctx, caller, target, PermissionView, PermissionWrite)
	if err != nil {
		return nil, err
	}
	sc, err := s.load(ctx, access, exp, id)
	if err != nil {
		return nil, err
	}
	if sc.Status == schedule.StatusCancelled {
		return sc, nil
	}
	if sc.Status.Terminal() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("Schedule is already %s", sc.Status)}
	}

	if err := s.cancelJob(ctx, sc); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			// The job exited on its own; the coordinator records how.
			return nil, &ValidationError{Field: "status", Message: "Schedule has already finished", Err: err}
		}
		return nil, err
	}

	updated, err := s.store.Advance(context.WithoutCancel(ctx), sc.ID, schedule.StatusCancelled, map[string]any{
		"cancelled_by": caller.AccountID,
		"cancelled_at": s.now().UTC().Format(time.RFC3339),
	})
	if errors.Is(err, schedule.ErrStatusRegression) {
		status := "finished"
		if updated != nil {
			status = string(updated.Status)
		}
		return nil, &ValidationError{Field: "status", Message: "Schedule is already " + status, Err: err}
	}
	if err != nil {
		return nil, err
	}
	s.metrics.RecordStatus(string(schedule.StatusCancelled))

	s.logger.InfoCtx(ctx, "schedule cancelled",
		logger.Field{Key: "schedule_id", Value: sc.ID},
		logger.Field{Key: "account_id", Value: caller.AccountID})
	return updated, nil
}

// DeleteSchedule removes the record, stopping its job first if it is live.
func (s *Service) DeleteSchedule(ctx context.Context, caller Caller, target Target, id string) error {
	access, exp, err := s.authorize(ctx, caller, target, PermissionView, PermissionWrite)
	if err != nil {
		return err
	}
	sc, err := s.load(ctx, access, exp, id)
	if err != nil {
		return err
	}
	if !sc.Status.Terminal() {
		if err := s.cancelJob(ctx, sc); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			return err
		}
	}
	if err := s.store.Delete(ctx, sc.ID); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return err
	}

	s.logger.InfoCtx(ctx, "schedule deleted", logger.Field{Key: "schedule_id", Value: sc.ID})
	return nil
}

func (s *Service) cancelJob(ctx context.Context, sc *schedule.Schedule) error {
	info := scheduler.Info(sc.Info)
	name, jobID := info.Scheduler(), info.JobID()
	if name == "" || jobID == "" {
		return nil
	}
	err := s.registry.Cancel(ctx, name, jobID)
	if errors.Is(err, scheduler.ErrUnknownScheduler) {
		// Backend disabled since; nothing left to stop.
		s.logger.WarnCtx(ctx, "schedule backend no longer registered",
			logger.Field{Key: "schedule_id", Value: sc.ID},
			logger.Field{Key: "scheduler", Value: name})
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel job %s on %s: %w", jobID, name, err)
	}
	return nil
}

// Recover fails the records a previous process left pending or active.
// Backend job tables live in memory, so those jobs cannot be tracked.
func (s *Service) Recover(ctx context.Context) (int, error) {
	stale, err := s.store.ListByStatus(ctx, schedule.StatusPending, schedule.StatusActive)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sc := range stale {
		_, err := s.store.Advance(ctx, sc.ID, schedule.StatusFailed, map[string]any{"error": "interrupted"})
		if err != nil && !errors.Is(err, schedule.ErrStatusRegression) {
			return n, fmt.Errorf("recover schedule %s: %w", sc.ID, err)
		}
		if err == nil {
			n++
			s.metrics.RecordStatus(string(schedule.StatusFailed))
		}
	}
	if n > 0 {
		s.logger.Warn("marked interrupted schedules as failed", logger.Field{Key: "count", Value: n})
	}
	return n, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}
