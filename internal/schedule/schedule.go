// Package schedule holds the Schedule record and its SQLite persistence.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound         = errors.New("schedule not found")
	ErrStatusRegression = errors.New("illegal schedule status transition")
	ErrUnknownStatus    = errors.New("unknown schedule status")
)

// Rank orders statuses; a record never moves to a lower rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

func (s Status) Terminal() bool {
	return s.Rank() == 2
}

// CheckTransition reports whether from may move to to. Moving to the same
// status is allowed and changes nothing.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if from == to {
		return nil
	}
	if from.Terminal() || to.Rank() < from.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, from, to)
	}
	return nil
}

// Schedule is a request to run an experiment through a scheduler backend.
type Schedule struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	OrgID        string         `json:"org_id"`
	WorkspaceID  string         `json:"workspace_id"`
	ExperimentID string         `json:"experiment_id"`
	TokenID      string         `json:"token_id"`
	Scheduled    time.Time      `json:"scheduled"`
	Status       Status         `json:"status"`
	Definition   map[string]any `json:"definition"`
	Info         map[string]any `json:"info"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// MergeInfo adds the keys of extra to dst, overwriting equal keys.
// Keys are never removed.
func MergeInfo(dst, extra map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		dst[k] = v
	}
	return dst
}
