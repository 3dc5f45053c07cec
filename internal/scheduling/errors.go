package scheduling

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for unknown orgs, workspaces, experiments,
// tokens and schedules. Collaborator clients wrap it too.
var ErrNotFound = errors.New("not found")

// AuthorizationError means the caller lacks a required permission.
type AuthorizationError struct {
	Missing []Permission
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("missing permissions: %v", e.Missing)
}

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// DispatchError means the schedule was persisted but the backend refused
// it. The record has been marked failed.
type DispatchError struct {
	ScheduleID string
	Scheduler  string
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch schedule %s to %s: %v", e.ScheduleID, e.Scheduler, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
