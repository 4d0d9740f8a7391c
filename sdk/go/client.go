package vetlinesdk

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
)

// Client is a minimal Vetline HTTP API client for pipeline drivers.
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

// Run represents the API run model (partial).
type Run struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"project_id"`
	State       string             `json:"state"`
	ReasonCode  *string            `json:"reason_code,omitempty"`
	ReportPath  *string            `json:"report_path,omitempty"`
	Metrics     map[string]float64 `json:"quality_metrics,omitempty"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
	CompletedAt *string            `json:"completed_at,omitempty"`
}

// LogEntry is one decision log row.
type LogEntry struct {
	TS        string         `json:"ts"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	Event     string         `json:"event"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Defect is one reportable failure.
type Defect struct {
	ID            string `json:"id"`
	Severity      string `json:"severity"`
	AssertionID   string `json:"assertion_id"`
	CaseID        string `json:"case_id"`
	RequirementID string `json:"requirement_id,omitempty"`
	Route         string `json:"route,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun registers a new run for a project.
func (c *Client) CreateRun(ctx context.Context, projectID, prdPath string, routes []string) (Run, error) {
	body := map[string]any{
		"project_id":    projectID,
		"prd_path":      prdPath,
		"tested_routes": routes,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

// PostEvent applies a lifecycle event to a run.
func (c *Client) PostEvent(ctx context.Context, runID, event, reason string) (Run, error) {
	return c.PostShardEvent(ctx, runID, "", event, reason)
}

// PostShardEvent applies a lifecycle event attributed to one execution
// shard. Sharded drivers must pass a stable shardID so duplicate
// deliveries are suppressed per shard.
func (c *Client) PostShardEvent(ctx context.Context, runID, shardID, event, reason string) (Run, error) {
	body := map[string]any{"event": event}
	if shardID != "" {
		body["shard_id"] = shardID
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "events"), body, &resp)
	return resp, err
}

// Approve submits an approval gate decision.
func (c *Client) Approve(ctx context.Context, runID string, approved bool, comments string) (Run, error) {
	body := map[string]any{"approved": approved}
	if comments != "" {
		body["comments"] = comments
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "approval"), body, &resp)
	return resp, err
}

// Confirm submits a confirmation gate decision. Exactly one of confirm
// or retest should be requested.
func (c *Client) Confirm(ctx context.Context, runID string, retest bool, comments string) (Run, error) {
	body := map[string]any{"confirmed": !retest, "retest": retest}
	if comments != "" {
		body["comments"] = comments
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "confirmation"), body, &resp)
	return resp, err
}

// DecisionLog returns a run's decision log.
func (c *Client) DecisionLog(ctx context.Context, runID string) ([]LogEntry, error) {
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "log"), nil, &resp)
	return resp, err
}

// Defects returns a run's defects.
func (c *Client) Defects(ctx context.Context, runID string) ([]Defect, error) {
	var resp []Defect
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "defects"), nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckTimeouts asks the server to fail runs past their gate SLAs and
// returns the run ids that timed out.
func (c *Client) CheckTimeouts(ctx context.Context) ([]string, error) {
	var resp struct {
		TimedOut []string `json:"timed_out"`
	}
	err := c.do(ctx, http.MethodPost, "v0/timeouts/check", map[string]any{}, &resp)
	return resp.TimedOut, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) runPath(runID, suffix string) string {
	p := fmt.Sprintf("v0/runs/%s", url.PathEscape(runID))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
