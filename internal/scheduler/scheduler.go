// Package scheduler defines the contract every experiment execution backend
// satisfies and the registry that dispatches execution contexts to them.
//
// A backend must implement Scheduler. Cancellation and shutdown are optional
// capabilities expressed as the separate Canceler and Shutdowner interfaces;
// the registry probes for them with type assertions.
package scheduler

import (
	"context"
	"time"
)

// Metadata is the static description of a backend.
type Metadata struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Version        string `json:"version"`
	SettingsPrefix string `json:"-"`
}

// Named is an org or workspace reference as seen by a backend.
type Named struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Experiment is the experiment reference and the payload handed to the runner.
type Experiment struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// ExecutionContext is everything a backend needs to run one experiment
// unattended.
type ExecutionContext struct {
	ScheduleID string         `json:"schedule_id"`
	HubURL     string         `json:"hub_url"`
	Token      string         `json:"-"`
	Org        Named          `json:"org"`
	Workspace  Named          `json:"workspace"`
	Experiment Experiment     `json:"experiment"`
	Scheduled  time.Time      `json:"scheduled"`
	Definition map[string]any `json:"definition,omitempty"`
}

// Info is the open-ended result a backend returns when it accepts a job.
// It always carries InfoScheduler and InfoJobID.
type Info map[string]any

const (
	InfoScheduler = "scheduler"
	InfoJobID     = "job_id"
)

// NewInfo returns the minimal Info every backend produces.
func NewInfo(scheduler, jobID string) Info {
	return Info{
		InfoScheduler: scheduler,
		InfoJobID:     jobID,
	}
}

// JobID returns the job id stored in the info, if any.
func (i Info) JobID() string {
	s, _ := i[InfoJobID].(string)
	return s
}

// Scheduler returns the scheduler name stored in the info, if any.
func (i Info) Scheduler() string {
	s, _ := i[InfoScheduler].(string)
	return s
}

// Scheduler turns an execution context into a running or queued
// experiment invocation. Schedule must be safe for concurrent use.
type Scheduler interface {
	Metadata() Metadata
	Schedule(ctx context.Context, ec ExecutionContext) (Info, error)
}

// Canceler is implemented by backends able to stop a tracked job.
// Backends that report results return ErrJobNotFound for a job they no
// longer track; the others may treat it as a no-op.
type Canceler interface {
	Cancel(ctx context.Context, jobID string) error
}

// Shutdowner is implemented by backends that own resources to release
// when the process stops.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Factory builds a backend from its namespaced settings. Keys arrive with the
// backend's prefix stripped and lower-cased.
type Factory struct {
	Metadata Metadata
	New      func(settings map[string]string) (Scheduler, error)
}
