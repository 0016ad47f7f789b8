// Package client talks to a sessionagent over HTTP.
//
// Game servers use SendHeartbeat (or SendLegacyHeartbeat for the older
// payload shape) to report their state and receive the next operation.
// Operators use the management calls, which need a token when the agent
// runs with authentication enabled.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"evalgo.org/sessionagent/models"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// Client is a sessionagent HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on management requests.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Error is returned for non-2xx responses.
type Error struct {
	StatusCode int
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("sessionagent: HTTP %d: %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("sessionagent: HTTP %d: %s", e.StatusCode, e.Message)
}

// SessionHostList is a page of session host records.
type SessionHostList struct {
	Count        int                       `json:"count"`
	Total        int                       `json:"total"`
	Limit        int                       `json:"limit"`
	Offset       int                       `json:"offset"`
	SessionHosts []*models.SessionHostInfo `json:"sessionHosts"`
}

// ListOptions filters and pages ListSessionHosts.
type ListOptions struct {
	State  string
	Type   string
	Limit  int
	Offset int
}

// New creates a client for the agent at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendHeartbeat reports info for hostID and returns the agent's instruction.
func (c *Client) SendHeartbeat(ctx context.Context, hostID string, info *models.SessionHostHeartbeatInfo) (*models.SessionHostHeartbeatInfo, error) {
	path := "/v1/sessionHosts/" + url.PathEscape(hostID) + "/heartbeats"

	var resp models.SessionHostHeartbeatInfo
	if err := c.do(ctx, http.MethodPost, path, info, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendLegacyHeartbeat reports info in the legacy shape for hostID of titleID.
func (c *Client) SendLegacyHeartbeat(ctx context.Context, titleID, hostID string, info *models.LegacyGameInfo) (*models.LegacyGameInfo, error) {
	path := fmt.Sprintf("/v1/titles/%s/sessionHost/%s/instances/%s/heartbeat",
		url.PathEscape(titleID), url.PathEscape(hostID), url.PathEscape(hostID))

	var resp models.LegacyGameInfo
	if err := c.do(ctx, http.MethodPost, path, info, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSessionHosts returns the session hosts the agent tracks.
func (c *Client) ListSessionHosts(ctx context.Context, opts ListOptions) (*SessionHostList, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/sessionhosts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list SessionHostList
	if err := c.do(ctx, http.MethodGet, path, nil, &list, true); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetSessionHost returns one session host record.
func (c *Client) GetSessionHost(ctx context.Context, hostID string) (*models.SessionHostInfo, error) {
	var info models.SessionHostInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessionhosts/"+url.PathEscape(hostID), nil, &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteSessionHost asks the agent to terminate a session host.
func (c *Client) DeleteSessionHost(ctx context.Context, hostID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessionhosts/"+url.PathEscape(hostID), nil, nil, true)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, authenticated bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
