// Package client talks to a running daemon's local API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/matheus3301/convsync/internal/api"
)

// Error is a non-2xx answer from the daemon.
type Error struct {
	Status  int
	Message string
	Body    []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %d %s", e.Status, e.Message)
}

// Client is an HTTP client for the daemon API.
type Client struct {
	http    *http.Client
	baseURL string
}

// New returns a client for the daemon listening on Unix socket socketPath.
func New(socketPath string) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: tr}, baseURL: "http://convsyncd"}
}

// NewTCP returns a client for a daemon serving on a TCP address or base URL.
func NewTCP(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{http: &http.Client{}, baseURL: strings.TrimRight(addr, "/")}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var e api.ErrorResponse
		_ = json.Unmarshal(b, &e)
		return &Error{Status: resp.StatusCode, Message: e.Error, Body: b}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health returns the daemon health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Open opens a handle on the conversation between self and other.
func (c *Client) Open(ctx context.Context, self, other string) (api.HandleView, error) {
	var v api.HandleView
	err := c.do(ctx, http.MethodPost, "/v1/handles", api.OpenRequest{Self: self, Other: other}, &v)
	return v, err
}

// Handle fetches a handle snapshot.
func (c *Client) Handle(ctx context.Context, id string) (api.HandleView, error) {
	var v api.HandleView
	err := c.do(ctx, http.MethodGet, "/v1/handles/"+url.PathEscape(id), nil, &v)
	return v, err
}

// Action runs one of the handle actions "more", "refresh" or "resubscribe".
func (c *Client) Action(ctx context.Context, id, action string) (api.HandleView, error) {
	var v api.HandleView
	err := c.do(ctx, http.MethodPost, "/v1/handles/"+url.PathEscape(id)+"/"+action, nil, &v)
	return v, err
}

// Send sends body on a handle. A failed send still returns the failed
// placeholder when the daemon reported one, so it can be retried.
func (c *Client) Send(ctx context.Context, id, body string) (api.SendResponse, error) {
	return c.send(ctx, "/v1/handles/"+url.PathEscape(id)+"/messages", api.SendRequest{Body: body})
}

func (c *Client) Retry(ctx context.Context, id, clientID string) (api.SendResponse, error) {
	return c.send(ctx, "/v1/handles/"+url.PathEscape(id)+"/messages/"+url.PathEscape(clientID)+"/retry", nil)
}

func (c *Client) send(ctx context.Context, path string, in any) (api.SendResponse, error) {
	var out api.SendResponse
	err := c.do(ctx, http.MethodPost, path, in, &out)
	var e *Error
	if errors.As(err, &e) {
		_ = json.Unmarshal(e.Body, &out)
	}
	return out, err
}

// CloseHandle closes a handle on the daemon.
func (c *Client) CloseHandle(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/handles/"+url.PathEscape(id), nil, nil)
}

// Conversations lists a participant's conversations.
func (c *Client) Conversations(ctx context.Context, participant string, limit, offset int) (api.ConversationsResponse, error) {
	var out api.ConversationsResponse
	path := fmt.Sprintf("/v1/participants/%s/conversations?limit=%d&offset=%d", url.PathEscape(participant), limit, offset)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Participant(ctx context.Context, id string) (api.ParticipantResponse, error) {
	var out api.ParticipantResponse
	err := c.do(ctx, http.MethodGet, "/v1/participants/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Follow streams a handle's events, calling fn with each event name and its
// JSON data until the handle closes, ctx ends or fn returns an error.
func (c *Client) Follow(ctx context.Context, id string, fn func(event string, data []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/handles/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var e api.ErrorResponse
		_ = json.Unmarshal(b, &e)
		return &Error{Status: resp.StatusCode, Message: e.Error, Body: b}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	var event string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = []byte(strings.TrimPrefix(line, "data: "))
		case line == "" && event != "":
			if err := fn(event, data); err != nil {
				return err
			}
			if event == api.EventClosed {
				return nil
			}
			event, data = "", nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
