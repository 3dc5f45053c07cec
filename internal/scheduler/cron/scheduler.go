// Package cron implements the repeatable scheduler backend. Each job is one
// line in the user's crontab running the chaostoolkit CLI against a payload
// written to disk; the line is tagged so it can be removed again.
//
// Job ids live in memory only: after a restart the lines stay in the crontab
// but can no longer be cancelled through this backend.
package cron

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/scheduler"
	"github.com/aatumaykin/chaoshub/internal/scheduler/chaostoolkit"
)

const Name = "cron"

var Meta = scheduler.Metadata{
	Name:           Name,
	Description:    "Cron scheduler for local repeatable executions",
	Version:        "0.1.0",
	SettingsPrefix: "SCHED_CRON_",
}

const (
	markerPrefix = "# chaoshub:"
	logFilename  = "run.log"

	// Info keys added by this backend.
	InfoExpression = "cron"
	InfoNextRun    = "next_run"
)

var safeName = re2.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} ._-]{0,127}$`)

type Config struct {
	CLIPath    string
	PayloadDir string
}

// ConfigFromSettings reads the backend's namespaced settings.
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := Config{
		CLIPath:    chaostoolkit.DefaultCLIPath,
		PayloadDir: filepath.Join(os.TempDir(), "chaoshub-cron"),
	}
	if v := settings["chaostoolkit_cli_path"]; v != "" {
		cfg.CLIPath = v
	}
	if v := settings["payload_dir"]; v != "" {
		cfg.PayloadDir = v
	}
	cfg.CLIPath = chaostoolkit.ExpandHome(cfg.CLIPath)
	cfg.PayloadDir = chaostoolkit.ExpandHome(cfg.PayloadDir)

	// cron turns % into newlines.
	for key, v := range map[string]string{"chaostoolkit_cli_path": cfg.CLIPath, "payload_dir": cfg.PayloadDir} {
		if strings.ContainsAny(v, "%\n\r") {
			return cfg, fmt.Errorf("%s: must not contain '%%' or line breaks", key)
		}
	}
	return cfg, nil
}

type entry struct {
	line string
	dir  string
}

// Scheduler installs crontab lines. All crontab edits are serialised.
type Scheduler struct {
	cfg    Config
	tab    Crontab
	parser cron.Parser
	logger *logger.Logger

	mu   sync.Mutex
	jobs map[string]entry
}

func New(cfg Config, tab Crontab, log *logger.Logger) *Scheduler {
	if cfg.CLIPath == "" {
		cfg.CLIPath = chaostoolkit.DefaultCLIPath
	}
	if tab == nil {
		tab = SystemCrontab{}
	}
	return &Scheduler{
		cfg: cfg,
		tab: tab,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		logger: log.Component("cron-scheduler"),
		jobs:   make(map[string]entry),
	}
}

func (s *Scheduler) Metadata() scheduler.Metadata {
	return Meta
}

func (s *Scheduler) Schedule(ctx context.Context, ec scheduler.ExecutionContext) (scheduler.Info, error) {
	org, err := normalizeName(ec.Org.Name)
	if err != nil {
		return nil, fmt.Errorf("org %q: %w", ec.Org.Name, err)
	}
	workspace, err := normalizeName(ec.Workspace.Name)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", ec.Workspace.Name, err)
	}

	expr, err := s.expression(ec)
	if err != nil {
		return nil, err
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.PayloadDir, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}
	rf, err := chaostoolkit.WriteRunFiles(dir, ec)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	line := buildLine(expr, s.command(rf, org, workspace), id)

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.tab.Read(ctx)
	if err != nil {
		os.RemoveAll(dir)
		return nil, &CrontabError{Op: "read", Err: err}
	}
	if err := s.tab.Write(ctx, append(lines, line)); err != nil {
		os.RemoveAll(dir)
		return nil, &CrontabError{Op: "write", Err: err}
	}
	s.jobs[id] = entry{line: line, dir: dir}

	info := scheduler.NewInfo(Name, id)
	info[InfoExpression] = expr
	if next := sched.Next(time.Now()); !next.IsZero() {
		info[InfoNextRun] = next.UTC().Format(time.RFC3339)
	}

	s.logger.InfoCtx(ctx, "cron job installed",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "schedule_id", Value: ec.ScheduleID},
		logger.Field{Key: "expression", Value: expr})

	return info, nil
}

// expression returns the definition's cron field, or a yearly expression
// pinned to the scheduled minute in the host's time zone.
func (s *Scheduler) expression(ec scheduler.ExecutionContext) (string, error) {
	if raw, ok := ec.Definition["cron"]; ok && raw != nil {
		expr, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: expected a string, got %T", ErrInvalidExpression, raw)
		}
		expr = strings.TrimSpace(expr)
		if strings.HasPrefix(expr, "@every") {
			return "", fmt.Errorf("%w: %q is not supported by crontab", ErrInvalidExpression, expr)
		}
		if expr != "" {
			return expr, nil
		}
	}
	if ec.Scheduled.IsZero() {
		return "", fmt.Errorf("%w: no cron expression and no scheduled time", ErrInvalidExpression)
	}
	t := ec.Scheduled.In(time.Local)
	return fmt.Sprintf("%d %d %d %d *", t.Minute(), t.Hour(), t.Day(), int(t.Month())), nil
}

func (s *Scheduler) command(rf chaostoolkit.RunFiles, org, workspace string) string {
	args := chaostoolkit.RunArgs(rf.Settings, org, workspace, rf.Experiment)
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(s.cfg.CLIPath))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return fmt.Sprintf("cd %s && %s >> %s 2>&1",
		shellQuote(rf.Dir), strings.Join(parts, " "), shellQuote(filepath.Join(rf.Dir, logFilename)))
}

// Cancel removes the job's line from the crontab. Unknown ids are ignored.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	if err := s.removeLines(ctx, map[string]bool{jobID: true}); err != nil {
		return err
	}
	delete(s.jobs, jobID)
	os.RemoveAll(e.dir)

	s.logger.InfoCtx(ctx, "cron job removed", logger.Field{Key: "job_id", Value: jobID})
	return nil
}

// Shutdown removes every line installed by this instance and persists once.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) == 0 {
		return nil
	}
	ids := make(map[string]bool, len(s.jobs))
	for id := range s.jobs {
		ids[id] = true
	}
	if err := s.removeLines(ctx, ids); err != nil {
		return err
	}
	for _, e := range s.jobs {
		os.RemoveAll(e.dir)
	}
	s.logger.Info("cron scheduler shut down", logger.Field{Key: "jobs_removed", Value: len(s.jobs)})
	s.jobs = make(map[string]entry)
	return nil
}

func (s *Scheduler) removeLines(ctx context.Context, ids map[string]bool) error {
	lines, err := s.tab.Read(ctx)
	if err != nil {
		return &CrontabError{Op: "read", Err: err}
	}
	kept := lines[:0:0]
	for _, l := range lines {
		if id, ok := markerID(l); ok && ids[id] {
			continue
		}
		kept = append(kept, l)
	}
	if err := s.tab.Write(ctx, kept); err != nil {
		return &CrontabError{Op: "write", Err: err}
	}
	return nil
}

// Jobs returns the ids of the installed jobs, sorted.
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

func buildLine(expr, command, id string) string {
	return expr + " " + command + " " + markerPrefix + id
}

func markerID(line string) (string, bool) {
	i := strings.LastIndex(line, markerPrefix)
	if i < 0 {
		return "", false
	}
	return strings.TrimSpace(line[i+len(markerPrefix):]), true
}

func normalizeName(name string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(name))
	if !safeName.MatchString(n) {
		return "", ErrUnsafeName
	}
	return n, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
