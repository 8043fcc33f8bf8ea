// Package api is the REST client for the dispatch backend: the dispatch
// data fetch and the three task actions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dispatch-tracker/internal/dispatch"
)

const (
	dispatchDataPath = "/api/dispatch-data/"
	maxBody          = 8 << 20
)

// TokenSource supplies the auth token for each request. An empty token sends
// the request unauthenticated.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

type Options struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base   string
	token  TokenSource
	http   *http.Client
	logger *slog.Logger
}

func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		token:  opts.Token,
		http:   opts.HTTPClient,
		logger: opts.Logger.With("component", "api"),
	}
}

// StatusError is a non-2xx response, or a 2xx carrying {"status":"error"}.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.Code)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.Code, e.Message)
}

// Unwrap maps the status onto the shared error taxonomy.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code >= 500:
		return dispatch.ErrNetworkUnavailable
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return dispatch.ErrPermissionDenied
	case e.Code == http.StatusNotFound:
		return dispatch.ErrUnknownEntity
	}
	return nil
}

// FetchDispatchData retrieves the full snapshot.
func (c *Client) FetchDispatchData(ctx context.Context) (dispatch.Snapshot, error) {
	var snap dispatch.Snapshot
	body, err := c.do(ctx, http.MethodGet, dispatchDataPath, nil)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return dispatch.Snapshot{}, fmt.Errorf("%w: dispatch data: %v", dispatch.ErrMalformedPayload, err)
	}
	return snap, nil
}

// ActionResult is what the backend echoes after a task action. Status is
// empty when the body was a bare {"status":"success"}.
type ActionResult struct {
	ID         dispatch.ID
	Status     dispatch.TaskStatus
	AssignedTo string
	Message    string
}

func (c *Client) Assign(ctx context.Context, taskID, technicianID dispatch.ID) (ActionResult, error) {
	return c.action(ctx, taskID, "assign", map[string]any{"technician_id": technicianID})
}

func (c *Client) Start(ctx context.Context, taskID dispatch.ID) (ActionResult, error) {
	return c.action(ctx, taskID, "start", nil)
}

// Complete finishes an in-transit task. result must be succeeded or failed.
func (c *Client) Complete(ctx context.Context, taskID dispatch.ID, result dispatch.TaskStatus) (ActionResult, error) {
	if result != dispatch.StatusSucceeded && result != dispatch.StatusFailed {
		return ActionResult{}, fmt.Errorf("%w: completion result %q", dispatch.ErrUnknownStatus, result)
	}
	return c.action(ctx, taskID, "complete", map[string]any{"result": result})
}

func (c *Client) action(ctx context.Context, taskID dispatch.ID, verb string, payload any) (ActionResult, error) {
	if taskID == "" {
		return ActionResult{}, fmt.Errorf("%w: empty task id", dispatch.ErrUnknownEntity)
	}
	path := fmt.Sprintf("/api/tasks/%s/%s/", url.PathEscape(string(taskID)), verb)
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return ActionResult{}, err
	}

	var resp struct {
		ID         dispatch.ID `json:"id"`
		Status     string      `json:"status"`
		AssignedTo string      `json:"assigned_to"`
		Message    string      `json:"message"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return ActionResult{}, fmt.Errorf("%w: %s response: %v", dispatch.ErrMalformedPayload, verb, err)
		}
	}
	if resp.Status == "error" {
		return ActionResult{}, &StatusError{Code: http.StatusOK, Message: resp.Message}
	}
	out := ActionResult{ID: resp.ID, AssignedTo: resp.AssignedTo, Message: resp.Message}
	if out.ID == "" {
		out.ID = taskID
	}
	if st, ok := dispatch.ParseTaskStatus(resp.Status); ok {
		out.Status = st
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var rdr io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("api: encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token.Token(); tok != "" {
			req.Header.Set("Authorization", "Token "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", dispatch.ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", dispatch.ErrNetworkUnavailable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
		c.logger.Warn("request failed", "method", method, "path", path, "status", resp.StatusCode, "message", se.Message)
		return nil, se
	}
	return body, nil
}

// errorMessage pulls the text out of {"error": ...} or {"message": ...}.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.Error != "":
			return e.Error
		case e.Message != "":
			return e.Message
		case e.Detail != "":
			return e.Detail
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
