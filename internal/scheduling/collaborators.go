package scheduling

import (
	"context"

	"github.com/aatumaykin/chaoshub/internal/scheduler"
)

// Caller identifies the account making a request.
type Caller struct {
	AccountID string
}

type Permission string

const (
	PermissionView  Permission = "view"
	PermissionWrite Permission = "write"
)

// Access is what the authorization service knows about a caller's reach
// into one workspace.
type Access struct {
	Org         scheduler.Named `json:"org"`
	Workspace   scheduler.Named `json:"workspace"`
	Permissions []Permission    `json:"permissions"`
}

// Has reports whether every permission in want is granted.
func (a Access) Has(want ...Permission) bool {
	for _, w := range want {
		found := false
		for _, p := range a.Permissions {
			if p == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Authorizer resolves org and workspace names and the caller's permissions
// on them. Unknown names return ErrNotFound.
type Authorizer interface {
	Access(ctx context.Context, caller Caller, org, workspace string) (Access, error)
}

// Token is an access token owned by an account.
type Token struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token,omitempty"`
}

// TokenResolver lists and resolves the caller's access tokens. Token
// returns ErrNotFound for ids the caller does not own.
type TokenResolver interface {
	Tokens(ctx context.Context, caller Caller) ([]Token, error)
	Token(ctx context.Context, caller Caller, id string) (Token, error)
}

// Experiment as stored by the experiment service.
type Experiment struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"org_id"`
	WorkspaceID string         `json:"workspace_id"`
	Payload     map[string]any `json:"payload"`
}

// ExperimentStore loads experiments. Unknown ids return ErrNotFound.
type ExperimentStore interface {
	Experiment(ctx context.Context, id string) (Experiment, error)
}

// Activity is an entry for the dashboard activity feed.
type Activity struct {
	Title       string `json:"title"`
	AccountID   string `json:"account_id"`
	OrgID       string `json:"org_id"`
	WorkspaceID string `json:"workspace_id"`
	Type        string `json:"type"`
	Info        string `json:"info"`
	Visibility  string `json:"visibility"`
}

type ActivityFeed interface {
	Record(ctx context.Context, a Activity) error
}

// Recorder receives scheduling counters. metrics.Metrics implements it.
type Recorder interface {
	RecordDispatch(scheduler, outcome string)
	RecordStatus(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(string, string) {}
func (nopRecorder) RecordStatus(string)           {}
