// Package agentclient is the thin HTTP client for the coding agent's
// session API: answering questions, deciding permission prompts and
// listing live sessions. The event stream itself lives in pkg/stream.
package agentclient

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

// SessionInfo describes one live agent session.
type SessionInfo struct {
	ID        string `json:"id"`
	Directory string `json:"directory"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Client talks to the agent server.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client for the agent at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ReplyQuestion answers an agent question with the chosen option.
func (c *Client) ReplyQuestion(ctx context.Context, directory, requestID, option string) error {
	return c.post(ctx, "/question/"+url.PathEscape(requestID)+"/reply", map[string]string{
		"directory": directory,
		"option":    option,
	})
}

// ReplyPermission decides a permission prompt with the chosen option.
func (c *Client) ReplyPermission(ctx context.Context, directory, requestID, option string) error {
	return c.post(ctx, "/permission/"+url.PathEscape(requestID)+"/reply", map[string]string{
		"directory": directory,
		"option":    option,
	})
}

// ListSessions returns the agent's live sessions for a directory; an
// empty directory lists every session.
func (c *Client) ListSessions(ctx context.Context, directory string) ([]SessionInfo, error) {
	u := c.baseURL + "/session"
	if directory != "" {
		u += "?directory=" + url.QueryEscape(directory)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	var sessions []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decoding session list: %w", err)
	}
	return sessions, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return upstreamError(resp)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// upstreamError preserves the agent's own message so action failures
// surfaced to operators carry the real reason.
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("agent returned %s", resp.Status)
	}
	return fmt.Errorf("agent returned %s: %s", resp.Status, msg)
}
