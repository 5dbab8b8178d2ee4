package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/alexjbarnes/oidc-agent/internal/agent"
	"github.com/coder/websocket"
)

// Client talks to a running agent.
type Client struct {
	conn Conn
}

// Dial connects to the agent socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}

	conn, _, err := websocket.Dial(ctx, "ws://oidc-agent/", &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", path, err)
	}

	conn.SetReadLimit(maxMessageSize)

	return &Client{conn: conn}, nil
}

// Do sends one request and waits for its response.
func (c *Client) Do(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	_, out, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp agent.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &resp, nil
}

// Close ends the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
