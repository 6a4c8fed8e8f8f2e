package hivelinesdk

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

// Client is a minimal Hiveline status API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Simulation represents the API simulation model.
type Simulation struct {
	ID         string         `json:"id"`
	Place      string         `json:"place"`
	TargetDate string         `json:"target_date"`
	Status     string         `json:"status"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// SimulationStatus adds routing progress to a simulation.
type SimulationStatus struct {
	Simulation Simulation     `json:"simulation"`
	Commuters  int            `json:"commuters"`
	Results    int            `json:"results"`
	JobCounts  map[string]int `json:"job_counts"`
}

// Done reports whether no routing job is pending or running.
func (s SimulationStatus) Done() bool {
	return s.JobCounts["pending"] == 0 && s.JobCounts["started"] == 0
}

// EquilibriumRun is the outcome of one equilibrium analysis.
type EquilibriumRun struct {
	ID         string             `json:"id"`
	SimID      string             `json:"sim_id"`
	Iterations int                `json:"iterations"`
	Converged  bool               `json:"converged"`
	ModalShare float64            `json:"modal_share"`
	History    []float64          `json:"history"`
	Stats      map[string]any     `json:"stats"`
	Shares     map[string]float64 `json:"shares"`
	CreatedAt  string             `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SimID      string         `json:"sim_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) Simulations(ctx context.Context) ([]Simulation, error) {
	var resp []Simulation
	err := c.do(ctx, http.MethodGet, "v0/simulations", nil, &resp)
	return resp, err
}

// Simulation returns a simulation with its job counts.
func (c *Client) Simulation(ctx context.Context, simID string) (SimulationStatus, error) {
	var resp SimulationStatus
	err := c.do(ctx, http.MethodGet, c.simPath(simID, ""), nil, &resp)
	return resp, err
}

// ResetJobs puts routing jobs back to pending. Scope is all, failed or timed_out.
func (c *Client) ResetJobs(ctx context.Context, simID, scope string) (int, error) {
	var resp struct {
		Reset int `json:"reset"`
	}
	err := c.do(ctx, http.MethodPost, c.simPath(simID, "jobs/reset"), map[string]any{"scope": scope}, &resp)
	return resp.Reset, err
}

// RouteResult returns the raw routing result document of one commuter.
func (c *Client) RouteResult(ctx context.Context, simID, vcID string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, c.simPath(simID, "results/"+url.PathEscape(vcID)), nil, &resp)
	return resp, err
}

func (c *Client) Equilibrium(ctx context.Context, simID string) (EquilibriumRun, error) {
	var resp EquilibriumRun
	err := c.do(ctx, http.MethodGet, c.simPath(simID, "equilibrium"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, simID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, simID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, simID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.simPath(simID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WaitRouted polls until no routing job is pending or running.
func (c *Client) WaitRouted(ctx context.Context, simID string, every time.Duration) (SimulationStatus, error) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := c.Simulation(ctx, simID)
		if err != nil || st.Done() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) simPath(simID, p string) string {
	base := "v0/simulations/" + url.PathEscape(simID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
