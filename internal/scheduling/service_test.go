package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/schedule"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/workers"
)

var testNow = time.Date(2030, time.January, 1, 12, 0, 0, 0, time.UTC)

type fakeAuth struct {
	access Access
	err    error
}

func (f *fakeAuth) Access(ctx context.Context, caller Caller, org, workspace string) (Access, error) {
	if f.err != nil {
		return Access{}, f.err
	}
	if org != f.access.Org.Name || workspace != f.access.Workspace.Name {
		return Access{}, ErrNotFound
	}
	return f.access, nil
}

type fakeTokens struct {
	tokens []Token
}

func (f *fakeTokens) Tokens(ctx context.Context, caller Caller) ([]Token, error) {
	return f.tokens, nil
}

func (f *fakeTokens) Token(ctx context.Context, caller Caller, id string) (Token, error) {
	for _, t := range f.tokens {
		if t.ID == id {
			return t, nil
		}
	}
	return Token{}, ErrNotFound
}

type fakeExperiments struct {
	experiments map[string]Experiment
}

func (f *fakeExperiments) Experiment(ctx context.Context, id string) (Experiment, error) {
	e, ok := f.experiments[id]
	if !ok {
		return Experiment{}, ErrNotFound
	}
	return e, nil
}

type fakeFeed struct {
	mu         sync.Mutex
	activities []Activity
	err        error
}

func (f *fakeFeed) Record(ctx context.Context, a Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a)
	return f.err
}

type fakeBackend struct {
	mu         sync.Mutex
	contexts   []scheduler.ExecutionContext
	cancelled  []string
	err        error
	cancelErr  error
	onSchedule func(ec scheduler.ExecutionContext)
}

func (b *fakeBackend) Metadata() scheduler.Metadata {
	return scheduler.Metadata{Name: "fake", Description: "Fake backend", Version: "1.0.0", SettingsPrefix: "SCHED_FAKE_"}
}

func (b *fakeBackend) Schedule(ctx context.Context, ec scheduler.ExecutionContext) (scheduler.Info, error) {
	b.mu.Lock()
	b.contexts = append(b.contexts, ec)
	hook := b.onSchedule
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if hook != nil {
		hook(ec)
	}
	info := scheduler.NewInfo("fake", "job-1")
	info["extra"] = "value"
	return info, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, jobID)
	return b.cancelErr
}

type fixture struct {
	svc     *Service
	store   *schedule.Store
	backend *fakeBackend
	auth    *fakeAuth
	feed    *fakeFeed
	target  Target
	caller  Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := schedule.Open(":memory:", logger.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	backend := &fakeBackend{}
	reg := scheduler.NewRegistry(logger.Nop(), scheduler.Factory{
		Metadata: backend.Metadata(),
		New: func(map[string]string) (scheduler.Scheduler, error) {
			return backend, nil
		},
	})
	require.NoError(t, reg.Register([]string{"fake"}, nil))

	auth := &fakeAuth{access: Access{
		Org:         scheduler.Named{ID: "org-1", Name: "acme"},
		Workspace:   scheduler.Named{ID: "ws-1", Name: "prod"},
		Permissions: []Permission{PermissionView, PermissionWrite},
	}}
	feed := &fakeFeed{}

	svc := NewService(Config{HubURL: "https://hub.example.com"}, Deps{
		Store:      store,
		Registry:   reg,
		Authorizer: auth,
		Tokens: &fakeTokens{tokens: []Token{
			{ID: "tok-1", Name: "ci", AccessToken: "secret-1"},
			{ID: "tok-2", Name: "laptop", AccessToken: "secret-2"},
		}},
		Experiments: &fakeExperiments{experiments: map[string]Experiment{
			"exp-1": {ID: "exp-1", OrgID: "org-1", WorkspaceID: "ws-1", Payload: map[string]any{
				"title": "pod deletion",
			}},
			"exp-other": {ID: "exp-other", OrgID: "org-2", WorkspaceID: "ws-2"},
		}},
		Activities: feed,
		Logger:     logger.Nop(),
	})
	svc.now = func() time.Time { return testNow }

	return &fixture{
		svc:     svc,
		store:   store,
		backend: backend,
		auth:    auth,
		feed:    feed,
		target:  Target{Org: "acme", Workspace: "prod", Experiment: "exp-1"},
		caller:  Caller{AccountID: "acc-1"},
	}
}

func validRequest() map[string]any {
	return map[string]any{
		"scheduler": "fake",
		"token":     "tok-1",
		"date":      "2030-06-01",
		"time":      "10:30",
	}
}

func (f *fixture) rows(t *testing.T) []*schedule.Schedule {
	t.Helper()
	list, err := f.store.ListByExperiment(context.Background(), f.caller.AccountID, "exp-1")
	require.NoError(t, err)
	return list
}

func TestCreateSchedule_Success(t *testing.T) {
	f := newFixture(t)

	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)

	assert.Equal(t, schedule.StatusActive, sc.Status)
	assert.Equal(t, "fake", sc.Info["scheduler"])
	assert.Equal(t, "job-1", sc.Info["job_id"])
	assert.Equal(t, "value", sc.Info["extra"])
	assert.Equal(t, "tok-1", sc.TokenID)
	assert.Equal(t, "org-1", sc.OrgID)
	assert.Equal(t, "ws-1", sc.WorkspaceID)
	assert.Equal(t, time.Date(2030, 6, 1, 10, 30, 0, 0, time.UTC), sc.Scheduled)

	require.Len(t, f.backend.contexts, 1)
	ec := f.backend.contexts[0]
	assert.Equal(t, sc.ID, ec.ScheduleID)
	assert.Equal(t, "secret-1", ec.Token)
	assert.Equal(t, "https://hub.example.com", ec.HubURL)
	assert.Equal(t, "acme", ec.Org.Name)
	assert.Equal(t, "prod", ec.Workspace.Name)
	assert.Equal(t, "exp-1", ec.Experiment.ID)
	assert.Equal(t, "pod deletion", ec.Experiment.Payload["title"])

	stored, err := f.store.Get(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusActive, stored.Status)
	assert.Equal(t, sc.Info, stored.Info)

	f.svc.Wait()
	require.Len(t, f.feed.activities, 1)
	assert.Equal(t, Activity{
		Title:       "Schedule",
		AccountID:   "acc-1",
		OrgID:       "org-1",
		WorkspaceID: "ws-1",
		Type:        "schedule",
		Info:        "created",
		Visibility:  "collaborator",
	}, f.feed.activities[0])
}

func TestCreateSchedule_UnknownSchedulerPersistsNothing(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req["scheduler"] = "nonexistent"
	_, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, req)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "scheduler", ve.Field)
	assert.True(t, scheduler.IsConfigurationError(err))
	assert.ErrorIs(t, err, scheduler.ErrUnknownScheduler)
	assert.Empty(t, f.rows(t))
	assert.Empty(t, f.backend.contexts)
}

func TestCreateSchedule_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.auth.access.Permissions = []Permission{PermissionView}

	_, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())

	var ae *AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, []Permission{PermissionWrite}, ae.Missing)
	assert.Empty(t, f.rows(t))
}

func TestCreateSchedule_UnknownTargets(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateSchedule(context.Background(), f.caller,
		Target{Org: "acme", Workspace: "staging", Experiment: "exp-1"}, validRequest())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.CreateSchedule(context.Background(), f.caller,
		Target{Org: "acme", Workspace: "prod", Experiment: "missing"}, validRequest())
	assert.ErrorIs(t, err, ErrNotFound)

	// An experiment from another workspace is invisible here.
	_, err = f.svc.CreateSchedule(context.Background(), f.caller,
		Target{Org: "acme", Workspace: "prod", Experiment: "exp-other"}, validRequest())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.rows(t))
}

func TestCreateSchedule_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{"empty token", func(r map[string]any) { delete(r, "token") }, "token"},
		{"foreign token", func(r map[string]any) { r["token"] = "tok-999" }, "token"},
		{"missing date", func(r map[string]any) { delete(r, "date") }, "date"},
		{"missing time", func(r map[string]any) { delete(r, "time") }, "time"},
		{"bad date", func(r map[string]any) { r["date"] = "June 1st" }, "date"},
		{"bad time", func(r map[string]any) { r["time"] = "half past ten" }, "time"},
		{"past", func(r map[string]any) { r["date"] = "2029-12-31" }, "date"},
		{"now is not future", func(r map[string]any) { r["date"] = "2030-01-01"; r["time"] = "12:00" }, "date"},
		{"non-string date", func(r map[string]any) { r["date"] = 20300601 }, "date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tt.mutate(req)

			_, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Empty(t, f.rows(t))
			assert.Empty(t, f.backend.contexts)
		})
	}
}

func TestCreateSchedule_EmptyRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, nil)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCreateSchedule_RFC3339Date(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req["date"] = "2030-06-01T10:30:00+02:00"
	delete(req, "time")

	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, req)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 6, 1, 8, 30, 0, 0, time.UTC), sc.Scheduled)
}

func TestCreateSchedule_SecondsInTime(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req["time"] = "10:30:15"

	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, req)
	require.NoError(t, err)
	assert.Equal(t, 15, sc.Scheduled.Second())
}

func TestCreateSchedule_DispatchFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.backend.err = errors.New("crontab locked")

	_, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "fake", de.Scheduler)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, de.ScheduleID, rows[0].ID)
	assert.Equal(t, schedule.StatusFailed, rows[0].Status)
	assert.Equal(t, "crontab locked", rows[0].Info["error"])

	f.svc.Wait()
	assert.Empty(t, f.feed.activities)
}

func TestCreateSchedule_ActivityFailureIgnored(t *testing.T) {
	f := newFixture(t)
	f.feed.err = errors.New("dashboard down")

	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusActive, sc.Status)
	f.svc.Wait()
}

func TestCreateSchedule_JobFinishedBeforeActivation(t *testing.T) {
	f := newFixture(t)
	f.backend.onSchedule = func(ec scheduler.ExecutionContext) {
		_, err := f.store.Advance(context.Background(), ec.ScheduleID, schedule.StatusCompleted,
			map[string]any{"exit_code": 0})
		require.NoError(t, err)
	}

	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCompleted, sc.Status)
	assert.Equal(t, "job-1", sc.Info["job_id"])
	assert.EqualValues(t, 0, sc.Info["exit_code"])
}

func TestPreparePayload(t *testing.T) {
	original := map[string]any{
		"title": "t",
		"extensions": []any{
			map[string]any{"name": "other", "x": 1.0},
			map[string]any{"name": "chaoshub", "experiment": "stale"},
		},
	}
	exp := Experiment{ID: "exp-1", OrgID: "org-1", WorkspaceID: "ws-1", Payload: original}

	payload, err := preparePayload(exp)
	require.NoError(t, err)

	exts := payload["extensions"].([]any)
	require.Len(t, exts, 2)
	assert.Equal(t, map[string]any{"name": "other", "x": 1.0}, exts[0])
	assert.Equal(t, map[string]any{
		"name": "chaoshub", "experiment": "exp-1", "workspace": "ws-1", "org": "org-1",
	}, exts[1])

	// The stored experiment is left alone.
	orig := original["extensions"].([]any)[1].(map[string]any)
	assert.Equal(t, "stale", orig["experiment"])
}

func TestPreparePayload_AddsExtension(t *testing.T) {
	payload, err := preparePayload(Experiment{ID: "e", OrgID: "o", WorkspaceID: "w"})
	require.NoError(t, err)
	exts := payload["extensions"].([]any)
	require.Len(t, exts, 1)
	assert.Equal(t, "chaoshub", exts[0].(map[string]any)["name"])
}

func TestScheduleContext(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)

	c, err := f.svc.ScheduleContext(context.Background(), f.caller, f.target)
	require.NoError(t, err)
	assert.Equal(t, []TokenSummary{{ID: "tok-1", Name: "ci"}, {ID: "tok-2", Name: "laptop"}}, c.Tokens)
	require.Len(t, c.Schedulers, 1)
	assert.Equal(t, "fake", c.Schedulers[0].Name)
	assert.Equal(t, "Fake backend", c.Schedulers[0].Description)
	assert.Len(t, c.Schedules, 1)

	other, err := f.svc.ScheduleContext(context.Background(), Caller{AccountID: "acc-2"}, f.target)
	require.NoError(t, err)
	assert.Empty(t, other.Schedules)
	assert.NotNil(t, other.Schedules)
}

func TestCancelSchedule(t *testing.T) {
	f := newFixture(t)
	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)

	cancelled, err := f.svc.CancelSchedule(context.Background(), f.caller, f.target, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCancelled, cancelled.Status)
	assert.Equal(t, "job-1", cancelled.Info["job_id"])
	assert.Equal(t, "acc-1", cancelled.Info["cancelled_by"])
	assert.Equal(t, []string{"job-1"}, f.backend.cancelled)

	again, err := f.svc.CancelSchedule(context.Background(), f.caller, f.target, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCancelled, again.Status)
	assert.Len(t, f.backend.cancelled, 1)
}

func TestCancelSchedule_Finished(t *testing.T) {
	f := newFixture(t)
	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)
	_, err = f.store.Advance(context.Background(), sc.ID, schedule.StatusCompleted, nil)
	require.NoError(t, err)

	_, err = f.svc.CancelSchedule(context.Background(), f.caller, f.target, sc.ID)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)
	assert.Empty(t, f.backend.cancelled)
}

func TestCancelSchedule_JobAlreadyExited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sc, err := f.svc.CreateSchedule(ctx, f.caller, f.target, validRequest())
	require.NoError(t, err)
	f.backend.cancelErr = fmt.Errorf("local job job-1: %w", scheduler.ErrJobNotFound)

	_, err = f.svc.CancelSchedule(ctx, f.caller, f.target, sc.ID)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)

	got, err := f.store.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusActive, got.Status)

	// The queued result still lands.
	results := make(chan workers.Result, 1)
	results <- workers.Result{ScheduleID: sc.ID, JobID: "job-1", ExitCode: 0}
	close(results)
	f.svc.Run(ctx, results)

	got, err = f.store.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCompleted, got.Status)
}

func TestDeleteSchedule_JobAlreadyExited(t *testing.T) {
	f := newFixture(t)
	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)
	f.backend.cancelErr = scheduler.ErrJobNotFound

	require.NoError(t, f.svc.DeleteSchedule(context.Background(), f.caller, f.target, sc.ID))
	assert.Empty(t, f.rows(t))
}

func TestCancelSchedule_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CancelSchedule(context.Background(), f.caller, f.target, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSchedule(t *testing.T) {
	f := newFixture(t)
	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)

	got, err := f.svc.GetSchedule(context.Background(), f.caller, f.target, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, got.ID)
	assert.Equal(t, sc.Info, got.Info)

	f.auth.access.Permissions = nil
	_, err = f.svc.GetSchedule(context.Background(), f.caller, f.target, sc.ID)
	var ae *AuthorizationError
	assert.ErrorAs(t, err, &ae)
}

func TestDeleteSchedule(t *testing.T) {
	f := newFixture(t)
	sc, err := f.svc.CreateSchedule(context.Background(), f.caller, f.target, validRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSchedule(context.Background(), f.caller, f.target, sc.ID))
	assert.Equal(t, []string{"job-1"}, f.backend.cancelled)
	assert.Empty(t, f.rows(t))

	err = f.svc.DeleteSchedule(context.Background(), f.caller, f.target, sc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRun_AdvancesRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		sc, err := f.svc.CreateSchedule(ctx, f.caller, f.target, validRequest())
		require.NoError(t, err)
		ids[i] = sc.ID
	}

	results := make(chan workers.Result, 3)
	results <- workers.Result{ScheduleID: ids[0], JobID: "job-1", ExitCode: 0, Duration: 2 * time.Second}
	results <- workers.Result{ScheduleID: ids[1], JobID: "job-1", ExitCode: 2, Output: "boom"}
	results <- workers.Result{ScheduleID: ids[2], JobID: "job-1", Cancelled: true}
	close(results)

	f.svc.Run(ctx, results)

	done, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCompleted, done.Status)
	assert.EqualValues(t, 2000, done.Info["duration_ms"])
	assert.Equal(t, "job-1", done.Info["job_id"])

	failed, err := f.store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusFailed, failed.Status)
	assert.EqualValues(t, 2, failed.Info["exit_code"])
	assert.Equal(t, "boom", failed.Info["output"])

	untouched, err := f.store.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusActive, untouched.Status)
}

func TestRun_IgnoresStaleResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sc, err := f.svc.CreateSchedule(ctx, f.caller, f.target, validRequest())
	require.NoError(t, err)
	_, err = f.svc.CancelSchedule(ctx, f.caller, f.target, sc.ID)
	require.NoError(t, err)

	results := make(chan workers.Result, 2)
	results <- workers.Result{ScheduleID: sc.ID, ExitCode: 0}
	results <- workers.Result{ScheduleID: "deleted", ExitCode: 0}
	close(results)
	f.svc.Run(ctx, results)

	got, err := f.store.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusCancelled, got.Status)
}

func TestRun_StopsOnContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx, make(chan workers.Result))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.svc.CreateSchedule(ctx, f.caller, f.target, validRequest())
	require.NoError(t, err)
	finished, err := f.svc.CreateSchedule(ctx, f.caller, f.target, validRequest())
	require.NoError(t, err)
	_, err = f.store.Advance(ctx, finished.ID, schedule.StatusCompleted, nil)
	require.NoError(t, err)

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.Info["error"])
}

func TestAccessHas(t *testing.T) {
	a := Access{Permissions: []Permission{PermissionView}}
	assert.True(t, a.Has(PermissionView))
	assert.False(t, a.Has(PermissionView, PermissionWrite))
	assert.True(t, a.Has())
}
