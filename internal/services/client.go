// Package services talks to the dashboard's internal API: authorization,
// access tokens, experiments and the activity feed.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aatumaykin/chaoshub/internal/logger"
	"github.com/aatumaykin/chaoshub/internal/retry"
	"github.com/aatumaykin/chaoshub/internal/scheduling"
	"github.com/aatumaykin/chaoshub/internal/version"
)

// DefaultTimeout is the per-request timeout when none is configured.
const DefaultTimeout = 10 * time.Second

const maxErrorBody = 512

type Config struct {
	BaseURL string        // dashboard URL, e.g. http://dashboard:8080
	APIKey  string        // sent as a bearer token, optional
	Timeout time.Duration // per request
	Retry   retry.Config
}

// Client implements the scheduling collaborator interfaces over HTTP.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

var (
	_ scheduling.Authorizer      = (*Client)(nil)
	_ scheduling.TokenResolver   = (*Client)(nil)
	_ scheduling.ExperimentStore = (*Client)(nil)
	_ scheduling.ActivityFeed    = (*Client)(nil)
)

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  log.Component("services"),
	}
}

// HTTPError is a non-2xx answer from the dashboard.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status=%d, body=%s", e.Method, e.Path, e.Status, e.Body)
}

// StatusCode lets retry decide whether the call is worth repeating.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

// Unwrap maps 404 to scheduling.ErrNotFound.
func (e *HTTPError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return scheduling.ErrNotFound
	}
	return nil
}

func (c *Client) Access(ctx context.Context, caller scheduling.Caller, org, workspace string) (scheduling.Access, error) {
	q := url.Values{}
	q.Set("account", caller.AccountID)
	q.Set("org", org)
	q.Set("workspace", workspace)

	var out scheduling.Access
	err := c.get(ctx, "/internal/acl?"+q.Encode(), &out)
	return out, err
}

func (c *Client) Tokens(ctx context.Context, caller scheduling.Caller) ([]scheduling.Token, error) {
	var out []scheduling.Token
	err := c.get(ctx, "/internal/accounts/"+url.PathEscape(caller.AccountID)+"/tokens", &out)
	return out, err
}

func (c *Client) Token(ctx context.Context, caller scheduling.Caller, id string) (scheduling.Token, error) {
	var out scheduling.Token
	err := c.get(ctx, "/internal/accounts/"+url.PathEscape(caller.AccountID)+"/tokens/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) Experiment(ctx context.Context, id string) (scheduling.Experiment, error) {
	var out scheduling.Experiment
	err := c.get(ctx, "/internal/experiments/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) Record(ctx context.Context, a scheduling.Activity) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	_, err = retry.Do(ctx, c.cfg.Retry, c.logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPost, "/internal/activities", body, nil)
	})
	return err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := retry.Do(ctx, c.cfg.Retry, c.logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodGet, path, nil, out)
	})
	return err
}

// do executes a single request and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.DebugCtx(ctx, "dashboard call",
		logger.Field{Key: "method", Value: method},
		logger.Field{Key: "path", Value: req.URL.Path},
		logger.Field{Key: "status", Value: resp.StatusCode},
		logger.Field{Key: "duration", Value: time.Since(start).String()})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Method: method, Path: req.URL.Path, Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
