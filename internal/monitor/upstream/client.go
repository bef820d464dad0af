package upstream

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

const requestTimeout = 10 * time.Second

// Client talks to a single agent server. One Client exists per server
// and is owned by its connection task; the Session View Driver borrows
// it for command forwarding.
type Client struct {
	base string
	http *http.Client

	// sse is a separate client with no timeout for the long-lived
	// event stream.
	sse *http.Client
}

// NewClient creates a client for the given base URL (no trailing
// slash).
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
		sse:  &http.Client{Timeout: 0},
	}
}

// BaseURL returns the server base URL the client was created with.
func (c *Client) BaseURL() string { return c.base }

// ListSessions fetches the full session list.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.getJSON(ctx, "/session", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveStatus fetches the map of active session id -> raw status.
func (c *Client) ActiveStatus(ctx context.Context) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, "/session/status", &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for id, v := range raw {
		var s statusValue
		if err := json.Unmarshal(v, &s); err != nil {
			// Unexpected shape for one entry; skip it rather than fail
			// the whole map.
			continue
		}
		out[id] = string(s)
	}
	return out, nil
}

// GetSession fetches a single session envelope.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.getJSON(ctx, "/session/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Children fetches a session's direct children.
func (c *Client) Children(ctx context.Context, id string) ([]Session, error) {
	var out []Session
	if err := c.getJSON(ctx, "/session/"+id+"/children", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches a session's message transcript.
func (c *Client) Messages(ctx context.Context, id string) ([]Message, error) {
	var out []Message
	if err := c.getJSON(ctx, "/session/"+id+"/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches usage stats for a session. The endpoint is optional
// upstream; a 404 returns (nil, nil).
func (c *Client) Stats(ctx context.Context, id string) (*Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/session/"+id+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out Stats
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &out, nil
}

// Abort asks the server to abort a session.
func (c *Client) Abort(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/session/"+id+"/abort", nil)
}

// Prompt sends a text prompt to a session.
func (c *Client) Prompt(ctx context.Context, id, text string) error {
	body := promptRequest{Parts: []MessagePart{{Type: "text", Text: text}}}
	return c.postJSON(ctx, "/session/"+id+"/prompt", body)
}

// RespondPermission answers a pending tool-use permission.
func (c *Client) RespondPermission(ctx context.Context, sessionID, permID, response string, remember bool) error {
	body := permissionRequest{Response: response, Remember: remember}
	return c.postJSON(ctx, "/session/"+sessionID+"/permissions/"+permID, body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("%s %s: unexpected status %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
}
