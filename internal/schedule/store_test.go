package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/chaoshub/internal/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:", logger.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleSchedule() *Schedule {
	return &Schedule{
		AccountID:    "acc-1",
		OrgID:        "org-1",
		WorkspaceID:  "ws-1",
		ExperimentID: "exp-1",
		TokenID:      "tok-1",
		Scheduled:    time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC),
		Definition:   map[string]any{"scheduler": "local", "date": "2030-01-02", "time": "03:04"},
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sc := sampleSchedule()
	require.NoError(t, st.Create(ctx, sc))
	assert.NotEmpty(t, sc.ID)
	assert.Equal(t, StatusPending, sc.Status)

	got, err := st.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.AccountID, got.AccountID)
	assert.Equal(t, sc.TokenID, got.TokenID)
	assert.True(t, sc.Scheduled.Equal(got.Scheduled))
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "local", got.Definition["scheduler"])
	assert.Empty(t, got.Info)
}

func TestStore_GetMissing(t *testing.T) {
	st := testStore(t)
	_, err := st.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateRejectsUnknownStatus(t *testing.T) {
	st := testStore(t)
	sc := sampleSchedule()
	sc.Status = "sleeping"
	assert.ErrorIs(t, st.Create(context.Background(), sc), ErrUnknownStatus)
}

func TestStore_MergeInfoKeepsKeys(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sc := sampleSchedule()
	require.NoError(t, st.Create(ctx, sc))

	_, err := st.MergeInfo(ctx, sc.ID, map[string]any{"scheduler": "local", "job_id": "j-1"})
	require.NoError(t, err)
	_, err = st.MergeInfo(ctx, sc.ID, map[string]any{"exit_code": 0})
	require.NoError(t, err)

	got, err := st.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "local", got.Info["scheduler"])
	assert.Equal(t, "j-1", got.Info["job_id"])
	assert.EqualValues(t, 0, got.Info["exit_code"])
}

func TestStore_AdvanceStatus(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sc := sampleSchedule()
	require.NoError(t, st.Create(ctx, sc))

	got, err := st.Advance(ctx, sc.ID, StatusActive, map[string]any{"job_id": "j-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	// Same status again changes nothing.
	_, err = st.Advance(ctx, sc.ID, StatusActive, nil)
	require.NoError(t, err)

	_, err = st.Advance(ctx, sc.ID, StatusPending, nil)
	assert.ErrorIs(t, err, ErrStatusRegression)

	_, err = st.Advance(ctx, sc.ID, StatusCompleted, map[string]any{"exit_code": 0})
	require.NoError(t, err)

	_, err = st.Advance(ctx, sc.ID, StatusCancelled, map[string]any{"ignored": true})
	assert.ErrorIs(t, err, ErrStatusRegression)

	final, err := st.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "j-1", final.Info["job_id"])
	assert.NotContains(t, final.Info, "ignored")
}

func TestStore_AdvanceMissing(t *testing.T) {
	st := testStore(t)
	_, err := st.Advance(context.Background(), "nope", StatusActive, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListByExperiment(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	later := sampleSchedule()
	later.Scheduled = later.Scheduled.Add(time.Hour)
	require.NoError(t, st.Create(ctx, later))

	earlier := sampleSchedule()
	require.NoError(t, st.Create(ctx, earlier))

	other := sampleSchedule()
	other.AccountID = "acc-2"
	require.NoError(t, st.Create(ctx, other))

	list, err := st.ListByExperiment(ctx, "acc-1", "exp-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, earlier.ID, list[0].ID)
	assert.Equal(t, later.ID, list[1].ID)
}

func TestStore_ListByStatus(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	a := sampleSchedule()
	require.NoError(t, st.Create(ctx, a))
	b := sampleSchedule()
	require.NoError(t, st.Create(ctx, b))
	_, err := st.Advance(ctx, b.ID, StatusActive, nil)
	require.NoError(t, err)

	active, err := st.ListByStatus(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	both, err := st.ListByStatus(ctx, StatusPending, StatusActive)
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func TestStore_Delete(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sc := sampleSchedule()
	require.NoError(t, st.Create(ctx, sc))
	require.NoError(t, st.Delete(ctx, sc.ID))

	_, err := st.Get(ctx, sc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.Delete(ctx, sc.ID), ErrNotFound)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusPending, true},
		{StatusPending, StatusActive, true},
		{StatusPending, StatusFailed, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusPending, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusActive, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tt := range tests {
		err := CheckTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.ErrorIs(t, err, ErrStatusRegression, "%s -> %s", tt.from, tt.to)
		}
	}
	assert.ErrorIs(t, CheckTransition(StatusPending, "bogus"), ErrUnknownStatus)
}

func TestStore_PurgeFinished(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return old }

	done := sampleSchedule()
	require.NoError(t, st.Create(ctx, done))
	_, err := st.Advance(ctx, done.ID, StatusCompleted, nil)
	require.NoError(t, err)

	running := sampleSchedule()
	require.NoError(t, st.Create(ctx, running))
	_, err = st.Advance(ctx, running.ID, StatusActive, nil)
	require.NoError(t, err)

	st.now = func() time.Time { return old.Add(48 * time.Hour) }
	recent := sampleSchedule()
	require.NoError(t, st.Create(ctx, recent))
	_, err = st.Advance(ctx, recent.ID, StatusFailed, nil)
	require.NoError(t, err)

	n, err := st.PurgeFinished(ctx, old.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Get(ctx, running.ID)
	assert.NoError(t, err)
	_, err = st.Get(ctx, recent.ID)
	assert.NoError(t, err)
}
