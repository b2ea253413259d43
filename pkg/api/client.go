package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client talks to a running wgguard API server.
type Client struct {
	BaseURL string // e.g. "http://127.0.0.1:8080"
	APIKey  string
	HTTP    *http.Client
}

// APIError is a failure reported by the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.BaseURL, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return req, nil
}

// call performs a request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "invalid response: " + err.Error()}
	}
	if !env.Success || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// Status returns process status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Profiles lists every profile.
func (c *Client) Profiles(ctx context.Context) ([]ProfileInfo, error) {
	var out []ProfileInfo
	err := c.call(ctx, http.MethodGet, "/api/v1/profiles", nil, &out)
	return out, err
}

// Profile returns one profile with its live device state.
func (c *Client) Profile(ctx context.Context, name string) (*ProfileInfo, error) {
	var p ProfileInfo
	if err := c.call(ctx, http.MethodGet, "/api/v1/profiles/"+url.PathEscape(name), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Toggle starts a connect or disconnect. The returned profile is in its
// transitional state.
func (c *Client) Toggle(ctx context.Context, name string) (*ProfileInfo, error) {
	var p ProfileInfo
	if err := c.call(ctx, http.MethodPost, "/api/v1/profiles/"+url.PathEscape(name)+"/toggle", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetKillSwitch enables or disables the kill-switch of a connected profile.
func (c *Client) SetKillSwitch(ctx context.Context, name string, enabled bool) (*ProfileInfo, error) {
	var p ProfileInfo
	path := "/api/v1/profiles/" + url.PathEscape(name) + "/killswitch"
	if err := c.call(ctx, http.MethodPost, path, KillSwitchRequest{Enabled: enabled}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Reconcile forces a reconciliation pass and returns the resulting profiles.
func (c *Client) Reconcile(ctx context.Context) ([]ProfileInfo, error) {
	var out []ProfileInfo
	err := c.call(ctx, http.MethodPost, "/api/v1/reconcile", nil, &out)
	return out, err
}

// Log returns up to n recent status log entries, newest first.
func (c *Client) Log(ctx context.Context, n int) ([]LogEntry, error) {
	var out []LogEntry
	err := c.call(ctx, http.MethodGet, "/api/v1/log?n="+strconv.Itoa(n), nil, &out)
	return out, err
}

// Follow streams new status log entries to fn until ctx is cancelled or
// the server closes the stream. An empty profile follows every profile.
func (c *Client) Follow(ctx context.Context, profile string, fn func(event string, e LogEntry)) error {
	path := "/api/v1/log/stream"
	if profile != "" {
		path += "?profile=" + url.QueryEscape(profile)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var env Response
		json.NewDecoder(resp.Body).Decode(&env)
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var e LogEntry
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				continue
			}
			fn(event, e)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
