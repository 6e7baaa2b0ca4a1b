// Package stochastic is a small HTTP client for the stochasticd REST API.
package stochastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous completions wait on the upstream model, so it
// is longer than a typical API call.
const DefaultHTTPTimeout = 2 * time.Minute

// Task states reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the stochasticd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// CompletionRequest is the payload of a synchronous completion.
type CompletionRequest struct {
	Prompt string   `json:"prompt"`
	Stop   []string `json:"stop,omitempty"`
}

// Completion is the text returned by the model after stop-sequence truncation.
type Completion struct {
	Text string `json:"text"`
}

// TaskSubmission represents the payload required to create a new task.
// Submitting an ID that already exists returns the existing task.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Prompt   string         `json:"prompt"`
	Stop     []string       `json:"stop,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskResult holds the completion produced by a finished task.
type TaskResult struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	DurationMS int64  `json:"duration_ms"`
}

// Task is the daemon's view of an asynchronous completion.
type Task struct {
	ID         string         `json:"id"`
	Prompt     string         `json:"prompt"`
	Stop       []string       `json:"stop,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Terminal reports whether the daemon will not run the task again.
func (t Task) Terminal() bool {
	if t.Status == StatusSucceeded {
		return true
	}
	return t.Status == StatusFailed && t.Attempts >= t.MaxRetries
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("stochastic api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stochastic api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sends token as a bearer credential on every subsequent request.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

// Complete runs a synchronous completion and returns the truncated text.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	var out Completion
	if err := c.post(ctx, "/api/v1/completions", req, &out); err != nil {
		return Completion{}, err
	}
	return out, nil
}

// SubmitTask enqueues an asynchronous completion.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	if taskID == "" {
		return Task{}, errors.New("stochastic: task id is empty")
	}
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+taskID, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitForTask polls GetTask every interval until the task is terminal or ctx
// is done.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			envelope := struct {
				Error *APIError `json:"error"`
			}{Error: apiErr}
			if err := json.Unmarshal(data, &envelope); err != nil {
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
