package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
)

type memCrontab struct {
	mu       sync.Mutex
	lines    []string
	writes   int
	readErr  error
	writeErr error
}

func (m *memCrontab) Read(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return append([]string(nil), m.lines...), nil
}

func (m *memCrontab) Write(ctx context.Context, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	m.lines = append([]string(nil), lines...)
	return nil
}

func (m *memCrontab) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

func newTestScheduler(t *testing.T, tab Crontab) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Config{CLIPath: "/usr/local/bin/chaos", PayloadDir: dir}, tab, logger.Nop()), dir
}

func testContext() scheduler.ExecutionContext {
	return scheduler.ExecutionContext{
		ScheduleID: "sched-1",
		HubURL:     "https://hub.example.com",
		Token:      "tok",
		Org:        scheduler.Named{ID: "o1", Name: "acme"},
		Workspace:  scheduler.Named{ID: "w1", Name: "prod team"},
		Experiment: scheduler.Experiment{ID: "e1", Payload: map[string]any{"title": "t"}},
		Scheduled:  time.Date(2031, time.March, 4, 5, 6, 0, 0, time.Local),
		Definition: map[string]any{},
	}
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, "chaos", cfg.CLIPath)
	assert.Equal(t, filepath.Join(os.TempDir(), "chaoshub-cron"), cfg.PayloadDir)

	cfg, err = ConfigFromSettings(map[string]string{"payload_dir": "/srv/cron", "chaostoolkit_cli_path": "/bin/chaos"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/cron", cfg.PayloadDir)
	assert.Equal(t, "/bin/chaos", cfg.CLIPath)

	_, err = ConfigFromSettings(map[string]string{"payload_dir": "/srv/%d"})
	assert.Error(t, err)
}

func TestSchedule_AppendsTaggedLine(t *testing.T) {
	tab := &memCrontab{}
	s, payloadDir := newTestScheduler(t, tab)

	info, err := s.Schedule(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, "cron", info.Scheduler())
	assert.Equal(t, "6 5 4 3 *", info[InfoExpression])
	assert.NotEmpty(t, info[InfoNextRun])

	lines := tab.snapshot()
	require.Len(t, lines, 1)
	line := lines[0]
	assert.True(t, strings.HasPrefix(line, "6 5 4 3 * "))
	assert.True(t, strings.HasSuffix(line, "# chaoshub:"+info.JobID()))
	assert.Contains(t, line, "'--org' 'acme' '--workspace' 'prod team'")
	assert.Contains(t, line, "'/usr/local/bin/chaos'")

	jobDir := filepath.Join(payloadDir, info.JobID())
	assert.FileExists(t, filepath.Join(jobDir, "experiment.json"))
	assert.FileExists(t, filepath.Join(jobDir, "settings.yaml"))
	assert.Equal(t, []string{info.JobID()}, s.Jobs())
}

func TestSchedule_UsesDefinitionExpression(t *testing.T) {
	tab := &memCrontab{}
	s, _ := newTestScheduler(t, tab)

	ec := testContext()
	ec.Definition["cron"] = "*/15 * * * 1-5"
	info, err := s.Schedule(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * 1-5", info[InfoExpression])
	assert.True(t, strings.HasPrefix(tab.snapshot()[0], "*/15 * * * 1-5 "))
}

func TestSchedule_InvalidExpression(t *testing.T) {
	for _, expr := range []any{"not a cron", "* * *", "@every 5m", 42} {
		tab := &memCrontab{}
		s, payloadDir := newTestScheduler(t, tab)

		ec := testContext()
		ec.Definition["cron"] = expr
		_, err := s.Schedule(context.Background(), ec)
		assert.ErrorIs(t, err, ErrInvalidExpression, "expr %v", expr)
		assert.Empty(t, tab.snapshot())

		entries, _ := os.ReadDir(payloadDir)
		assert.Empty(t, entries)
	}
}

func TestSchedule_RejectsUnsafeNames(t *testing.T) {
	tab := &memCrontab{}
	s, _ := newTestScheduler(t, tab)

	for _, name := range []string{"acme; rm -rf /", "a'b", "$(id)", "", "50%"} {
		ec := testContext()
		ec.Org.Name = name
		_, err := s.Schedule(context.Background(), ec)
		assert.ErrorIs(t, err, ErrUnsafeName, "name %q", name)
	}
	assert.Empty(t, tab.snapshot())
}

func TestSchedule_NormalizesNames(t *testing.T) {
	tab := &memCrontab{}
	s, _ := newTestScheduler(t, tab)

	ec := testContext()
	ec.Org.Name = "cafe\u0301"
	_, err := s.Schedule(context.Background(), ec)
	require.NoError(t, err)
	assert.Contains(t, tab.snapshot()[0], "'--org' 'caf\u00e9'")
}

func TestSchedule_WriteFailureLeavesNothingBehind(t *testing.T) {
	tab := &memCrontab{writeErr: errors.New("permission denied")}
	s, payloadDir := newTestScheduler(t, tab)

	_, err := s.Schedule(context.Background(), testContext())
	require.Error(t, err)
	assert.True(t, IsCrontabError(err))
	assert.Empty(t, s.Jobs())

	entries, _ := os.ReadDir(payloadDir)
	assert.Empty(t, entries)
}

func TestSchedule_ReadFailure(t *testing.T) {
	tab := &memCrontab{readErr: errors.New("crontab missing")}
	s, _ := newTestScheduler(t, tab)

	_, err := s.Schedule(context.Background(), testContext())
	var ce *CrontabError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "read", ce.Op)
}

func TestCancel_PreservesForeignLines(t *testing.T) {
	foreign := []string{
		"# backups",
		"0 3 * * * /usr/bin/backup",
		"@reboot /usr/bin/agent # chaoshub:not-ours",
	}
	tab := &memCrontab{lines: append([]string(nil), foreign...)}
	s, payloadDir := newTestScheduler(t, tab)

	a, err := s.Schedule(context.Background(), testContext())
	require.NoError(t, err)
	b, err := s.Schedule(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, tab.snapshot(), 5)

	require.NoError(t, s.Cancel(context.Background(), a.JobID()))

	lines := tab.snapshot()
	require.Len(t, lines, 4)
	assert.Equal(t, foreign, lines[:3])
	assert.True(t, strings.HasSuffix(lines[3], b.JobID()))
	assert.Equal(t, []string{b.JobID()}, s.Jobs())
	assert.NoDirExists(t, filepath.Join(payloadDir, a.JobID()))
}

func TestCancel_UnknownJob(t *testing.T) {
	tab := &memCrontab{lines: []string{"0 3 * * * /usr/bin/backup"}}
	s, _ := newTestScheduler(t, tab)

	require.NoError(t, s.Cancel(context.Background(), "missing"))
	assert.Equal(t, 0, tab.writes)
}

func TestCancel_WriteFailureKeepsJob(t *testing.T) {
	tab := &memCrontab{}
	s, _ := newTestScheduler(t, tab)

	info, err := s.Schedule(context.Background(), testContext())
	require.NoError(t, err)

	tab.writeErr = errors.New("disk full")
	err = s.Cancel(context.Background(), info.JobID())
	assert.True(t, IsCrontabError(err))
	assert.Equal(t, []string{info.JobID()}, s.Jobs())
}

func TestShutdown_RemovesAllTrackedLinesOnce(t *testing.T) {
	tab := &memCrontab{lines: []string{"0 3 * * * /usr/bin/backup"}}
	s, _ := newTestScheduler(t, tab)

	for i := 0; i < 3; i++ {
		_, err := s.Schedule(context.Background(), testContext())
		require.NoError(t, err)
	}
	writes := tab.writes

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, writes+1, tab.writes)
	assert.Equal(t, []string{"0 3 * * * /usr/bin/backup"}, tab.snapshot())
	assert.Empty(t, s.Jobs())

	// Nothing tracked, nothing written.
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, writes+1, tab.writes)
}

func TestMarkerID(t *testing.T) {
	id, ok := markerID("* * * * * cmd # chaoshub:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = markerID("* * * * * cmd")
	assert.False(t, ok)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
