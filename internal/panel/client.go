// Package panel is a REST client for the game-server panel daemon API.
// It authenticates with OAuth2 client_credentials and exposes the four
// server operations the bot needs plus the bearer token used to open the
// console stream.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Status is the coarse server state reported by the panel.
type Status string

const (
	StatusRunning Status = "running"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Client calls the panel daemon API for a single server instance.
type Client struct {
	baseURL  string
	serverID string
	http     *http.Client
	cc       clientcredentials.Config

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// ClientOpts holds parameters for creating a panel Client.
type ClientOpts struct {
	BaseURL       string // e.g. https://panel.example.com (no trailing slash)
	ServerID      string
	ClientID      string
	ClientSecret  string
	TokenEndpoint string       // path, e.g. /oauth2/token
	HTTPClient    *http.Client // optional; defaults to a 30s-timeout client
}

// New creates a panel Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("panel: base URL is required")
	}
	if opts.ServerID == "" {
		return nil, fmt.Errorf("panel: server ID is required")
	}
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("panel: oauth2 client credentials are required")
	}
	endpoint := opts.TokenEndpoint
	if endpoint == "" {
		endpoint = "/oauth2/token"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		serverID: opts.ServerID,
		http:     httpClient,
		cc: clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     strings.TrimRight(opts.BaseURL, "/") + endpoint,
		},
	}
	return c, nil
}

// Token returns a valid bearer token, authenticating or refreshing as
// needed. The stream client uses this to open the console socket.
func (c *Client) Token(ctx context.Context) (string, error) {
	tok, err := c.tokenSource(ctx).Token()
	if err != nil {
		return "", fmt.Errorf("panel: authenticate: %w", err)
	}
	return tok.AccessToken, nil
}

// tokenSource returns the cached token source, creating it on first use.
// The client_credentials source caches the token and refreshes it before
// expiry on its own. The source is bound to a background context so a
// cancelled request context cannot poison later refreshes.
func (c *Client) tokenSource(ctx context.Context) oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		tokCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		c.tokens = c.cc.TokenSource(tokCtx)
	}
	return c.tokens
}

// invalidateToken drops the cached token source so the next call
// re-authenticates from scratch. Used after a 401.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = nil
}

// Status reports whether the server is running. Request failures map to
// StatusUnknown alongside the error, so callers displaying status can
// degrade gracefully.
func (c *Client) Status(ctx context.Context) (Status, error) {
	body, err := c.do(ctx, http.MethodGet, c.serverPath("status"), nil, "")
	if err != nil {
		return StatusUnknown, err
	}
	if len(body) == 0 {
		return StatusUnknown, nil
	}
	var resp struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return StatusUnknown, fmt.Errorf("panel: parse status: %w", err)
	}
	if resp.Running {
		return StatusRunning, nil
	}
	return StatusOffline, nil
}

// Start asks the panel to start the server.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, c.serverPath("start"), nil, ""); err != nil {
		return err
	}
	return nil
}

// Stop asks the panel to stop the server.
func (c *Client) Stop(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, c.serverPath("stop"), nil, ""); err != nil {
		return err
	}
	return nil
}

// SendCommand sends a console command to the server. The daemon expects
// the raw command string as the request body.
func (c *Client) SendCommand(ctx context.Context, command string) error {
	if _, err := c.do(ctx, http.MethodPost, c.serverPath("console"), []byte(command), "text/plain"); err != nil {
		return err
	}
	return nil
}

// BaseURL returns the panel base URL (used to derive the socket URL).
func (c *Client) BaseURL() string { return c.baseURL }

// ServerID returns the managed server's panel identifier.
func (c *Client) ServerID() string { return c.serverID }

func (c *Client) serverPath(op string) string {
	return fmt.Sprintf("/proxy/daemon/server/%s/%s", c.serverID, op)
}

// do performs an authenticated request, re-authenticating and retrying
// once on 401. Empty and non-JSON bodies are returned as-is; callers
// decide whether to parse.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.invalidateToken()
		resp, err = c.send(ctx, method, path, body, contentType)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("panel: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("panel: %s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("panel: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("panel: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
