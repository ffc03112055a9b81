package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ashureev/dayboard/internal/domain"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 4 << 20

// Client talks to the upstream dashboard API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		// Per-call deadlines come from the controllers; this only guards
		// against a wedged connection.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PlanDay requests an optimized plan for req.
func (c *Client) PlanDay(ctx context.Context, req domain.PlanRequest) (domain.PlanResult, error) {
	var result domain.PlanResult
	if err := c.do(ctx, http.MethodPost, "/plan-day", nil, req, &result); err != nil {
		return domain.PlanResult{}, err
	}
	return result, nil
}

// LastOutput returns the most recently generated plan known to the upstream.
func (c *Client) LastOutput(ctx context.Context) (domain.PlanResult, error) {
	var result domain.PlanResult
	if err := c.do(ctx, http.MethodGet, "/last-output", nil, nil, &result); err != nil {
		return domain.PlanResult{}, err
	}
	return result, nil
}

// Ask sends a chat turn with its bounded history.
func (c *Client) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	if req.History == nil {
		req.History = []domain.HistoryTurn{}
	}
	var resp AskResponse
	if err := c.do(ctx, http.MethodPost, "/api/chatbot/ask", nil, req, &resp); err != nil {
		return AskResponse{}, err
	}
	return resp, nil
}

// EventsInRange lists calendar events between r.Start and r.End.
func (c *Client) EventsInRange(ctx context.Context, r EventRange) ([]Event, error) {
	q := url.Values{}
	if r.Start != "" {
		q.Set("start", r.Start)
	}
	if r.End != "" {
		q.Set("end", r.End)
	}
	if r.MaxResults > 0 {
		q.Set("max_results", strconv.Itoa(r.MaxResults))
	}
	var env eventsEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/calendar/events/range", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Events, nil
}

// OpenTasks lists tasks of a task list.
func (c *Client) OpenTasks(ctx context.Context, q TaskQuery) ([]TaskItem, error) {
	listID := q.ListID
	if listID == "" {
		listID = "@default"
	}
	params := url.Values{}
	params.Set("list_id", listID)
	params.Set("show_completed", strconv.FormatBool(q.ShowCompleted))

	var env tasksEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/tasks/list", params, nil, &env); err != nil {
		return nil, err
	}
	return env.Tasks, nil
}

// Ping checks that the upstream answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close ping body", "error", closeErr)
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("backend unhealthy (%d)", resp.StatusCode)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &APIError{Message: fmt.Sprintf("encode request: %v", err), err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("create request: %v", err), err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Backend request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "path", path, "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return transportError(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := statusError(resp.StatusCode, data)
		c.logger.Warn("Backend request failed", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr.Message)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), err: err}
	}
	return nil
}
