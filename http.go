package gatherly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	defaultUserAgent = "gatherly-sdk-go"
)

// Replayer sends one queued mutation to the server. A non-2xx response must
// be returned as *ReplayError.
type Replayer interface {
	Replay(ctx context.Context, token string, m QueuedMutation) ([]byte, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP side of the SDK. It replays queued mutations as
// "METHOD baseURL+endpoint" with a bearer token and a JSON body.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Do performs one request and returns the status code and body.
func (c *Client) Do(ctx context.Context, method, endpoint, token string, body []byte) (int, []byte, error) {
	u := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		u = c.baseURL + endpoint
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// Replay implements Replayer.
func (c *Client) Replay(ctx context.Context, token string, m QueuedMutation) ([]byte, error) {
	status, data, err := c.Do(ctx, m.Method, m.Endpoint, token, m.Body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &ReplayError{StatusCode: status, Body: data, API: parseAPIError(data)}
	}
	return data, nil
}

// parseAPIError accepts both {"error":{...}} and a bare {"code","message"}.
func parseAPIError(data []byte) *APIError {
	if env, err := decodeJSON[struct {
		Error *APIError `json:"error"`
	}](data); err == nil && env.Error != nil {
		return env.Error
	}
	if apiErr, err := decodeJSON[APIError](data); err == nil && apiErr.Code != "" {
		return apiErr
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
