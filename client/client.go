// Package client talks to the presence service on behalf of one agent.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// TokenSource supplies the bearer token for each call.
type TokenSource interface {
	Token() string
}

// Client calls the presence HTTP API. Every error it returns wraps either
// models.ErrUnauthenticated or models.ErrTransient, except for a response
// the server should never send.
type Client struct {
	baseURL *url.URL
	tokens  TokenSource
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *utils.Logger
}

// New creates a client for the server at baseURL. httpClient may be nil, in
// which case one is built on NewTransport.
func New(baseURL string, tokens TokenSource, httpClient *http.Client, logger *utils.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}

	if httpClient == nil {
		transport, err := NewTransport(nil)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{
		baseURL: u,
		tokens:  tokens,
		http:    httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "presence-client"),
	}, nil
}

// Heartbeat asserts that the session's subject is active.
func (c *Client) Heartbeat(ctx context.Context) error {
	var resp models.HeartbeatResponse
	return c.do(ctx, http.MethodPost, "/api/v1/presence/heartbeat", &resp)
}

// ListOnline returns the server's current online set, most recent first.
func (c *Client) ListOnline(ctx context.Context) ([]models.EnrichedPresence, error) {
	var resp models.OnlineUsersResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/presence/online", &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	token := c.tokens.Token()
	if token == "" {
		return fmt.Errorf("%s %s: no access token: %w", method, path, models.ErrUnauthenticated)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, nil)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", models.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: %w", method, path, models.ErrUnauthenticated)
	case resp.StatusCode >= http.StatusInternalServerError:
		var body models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%w: %s %s: status %d %s", models.ErrTransient, method, path, resp.StatusCode, body.Error)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decode response: %w", models.ErrTransient, method, path, err)
	}
	return nil
}

// Subscribe opens the change stream and calls onChange for every event on
// presence data until ctx is done or the stream breaks. It returns nil only
// when ctx ended the stream.
func (c *Client) Subscribe(ctx context.Context, onChange func()) error {
	token := c.tokens.Token()
	if token == "" {
		return fmt.Errorf("subscribe: no access token: %w", models.ErrUnauthenticated)
	}

	wsURL := *c.baseURL
	wsURL.Scheme = "ws"
	if c.baseURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path += "/api/v1/presence/changes"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("subscribe: %w", models.ErrUnauthenticated)
		}
		return fmt.Errorf("%w: subscribe: %w", models.ErrTransient, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	c.logger.Debug("Subscribed to presence changes")
	for {
		var ev models.ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("Ignoring malformed change event", "error", err)
				continue
			}
			return fmt.Errorf("%w: change stream closed: %w", models.ErrTransient, err)
		}
		if ev.Table == models.PresenceTable {
			onChange()
		}
	}
}
