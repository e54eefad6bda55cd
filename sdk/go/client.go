package foremansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal foreman HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// GateRequest is a decision waiting for, or resolved by, an operator.
type GateRequest struct {
	RequestID   string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	IssueID     string         `json:"issue_id"`
	SeatName    string         `json:"seat_name"`
	GateMode    string         `json:"gate_mode"`
	RequestType string         `json:"request_type"`
	Reason      string         `json:"reason"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	Decision    string         `json:"decision,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	CreatedAt   string         `json:"created_at"`
	ResolvedAt  string         `json:"resolved_at,omitempty"`
}

// Session is one orchestrator run known to the server process.
type Session struct {
	ID         string     `json:"id"`
	EpicID     string     `json:"epic_id"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StartOptions narrows a run started through the API.
type StartOptions struct {
	IssueID       string `json:"issue_id,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// GateFilter narrows ListGates.
type GateFilter struct {
	SessionID string
	IssueID   string
	Status    string
	Limit     int
}

// APIError wraps non-2xx responses. Code is the error envelope code when
// the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListGates returns gate requests, newest first.
func (c *Client) ListGates(ctx context.Context, f GateFilter) ([]GateRequest, error) {
	q := url.Values{}
	if f.SessionID != "" {
		q.Set("session_id", f.SessionID)
	}
	if f.IssueID != "" {
		q.Set("issue_id", f.IssueID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "v0/gates"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []GateRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetGate(ctx context.Context, id string) (GateRequest, error) {
	var resp GateRequest
	err := c.do(ctx, http.MethodGet, "v0/gates/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ResolveGate records a decision: approved, rejected or resolved.
func (c *Client) ResolveGate(ctx context.Context, id, decision, resolution string) (GateRequest, error) {
	body := map[string]any{"decision": decision}
	if resolution != "" {
		body["resolution"] = resolution
	}
	var resp GateRequest
	err := c.do(ctx, http.MethodPost, "v0/gates/"+url.PathEscape(id)+"/resolve", body, &resp)
	return resp, err
}

func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sessions", nil, &resp)
	return resp.Items, err
}

func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StartSession asks the server to run an epic and returns the new session id.
func (c *Client) StartSession(ctx context.Context, epicID string, opts StartOptions) (string, error) {
	body := struct {
		EpicID string `json:"epic_id"`
		StartOptions
	}{EpicID: epicID, StartOptions: opts}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp.SessionID, err
}

// CancelSession cancels a running session.
func (c *Client) CancelSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/sessions/"+url.PathEscape(id), nil, nil)
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, sessionID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
