// Package client is the agent's HTTP client for the master's REST surface:
// pairing, the heartbeat fallback, and the command long-poll. The websocket
// path lives in the stream package; both share the credentials held here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lattice-sh/lattice/internal/protocol"
)

// ErrUnauthorized is returned on 401/403 responses. The control loop treats
// it as a revoked token and re-pairs.
var ErrUnauthorized = errors.New("client: unauthorized")

// Request timeouts per endpoint family.
const (
	pairTimeout = 10 * time.Second
	pollTimeout = 10 * time.Second
)

// Client talks to one master. Credentials are set after pairing and shared
// with the websocket streamer. Safe for concurrent use.
type Client struct {
	baseURL  string
	hostname string
	http     *http.Client

	mu     sync.RWMutex
	nodeID string
	token  string
}

// New creates a Client for the master at baseURL (no trailing slash
// required). hostname is sent as X-Agent-Hostname on agent-scoped calls.
func New(baseURL, hostname string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		hostname: hostname,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// SetAuth installs the node credentials obtained from pairing or the state
// file.
func (c *Client) SetAuth(nodeID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeID = nodeID
	c.token = token
}

// ClearAuth drops the credentials. Called before re-pairing.
func (c *Client) ClearAuth() {
	c.SetAuth("", "")
}

// NodeID returns the paired node id, or "".
func (c *Client) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// Token returns the pair token, or "".
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the master base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PairResponse is the master's answer to a successful pairing.
type PairResponse struct {
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	PairToken string `json:"pair_token"`
	State     string `json:"state"`
}

// Pair redeems the pair code. identity is the system snapshot from
// sysinfo.Identity. Does not install the credentials; the caller persists
// state first and then calls SetAuth.
func (c *Client) Pair(ctx context.Context, pairCode string, identity map[string]any) (*PairResponse, error) {
	body := map[string]any{
		"pair_code": pairCode,
		"agent":     identity,
	}

	var out PairResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/api/pair", body, pairTimeout, false, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("client: pair rejected with status %d", status)
	}
	return &out, nil
}

// Heartbeat posts a heartbeat over the HTTP fallback path.
func (c *Client) Heartbeat(ctx context.Context, hb protocol.Heartbeat, timeout time.Duration) error {
	status, err := c.doJSON(ctx, http.MethodPost, "/api/heartbeat", hb, timeout, true, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("client: heartbeat failed with status %d", status)
	}
}

// NextCommand long-polls for the next queued command. Returns (nil, nil)
// when the master answered 204 (idle).
func (c *Client) NextCommand(ctx context.Context) (*protocol.Command, error) {
	var out struct {
		Command *protocol.Command `json:"command"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/api/nodes/"+c.NodeID()+"/commands/next", nil, pollTimeout, true, &out)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return out.Command, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("client: command poll failed with status %d", status)
	}
}

// PostResult reports a command result over HTTP.
func (c *Client) PostResult(ctx context.Context, res protocol.CommandResult) error {
	status, err := c.doJSON(ctx, http.MethodPost, "/api/nodes/"+c.NodeID()+"/commands/result", res, pollTimeout, true, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("client: post result failed with status %d", status)
	}
}

// doJSON performs one JSON request. A non-2xx status is not an error at this
// level; callers switch on the returned status code.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, timeout time.Duration, authed bool, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.Token())
		if c.hostname != "" {
			req.Header.Set("X-Agent-Hostname", c.hostname)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
