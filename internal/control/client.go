package control

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client calls the control tools of a running listener.
type Client struct {
	session *sdk.ClientSession
}

// Dial connects to a control server. rawurl may use http(s) or ws(s); the
// /mcp/ws path is added when missing.
func Dial(ctx context.Context, rawurl string) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/mcp/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/mcp/ws"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial control server: %w", err)
	}
	c := sdk.NewClient(&sdk.Implementation{Name: "exam-voice-ctl", Version: "v0.1.0"}, nil)
	sess, err := c.Connect(ctx, newWSTransport(conn, "ctl"), nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{session: sess}, nil
}

// Call invokes a tool and returns its text reply. A tool-level failure is
// returned as an error carrying the reply text.
func (c *Client) Call(ctx context.Context, tool string) (string, error) {
	res, err := c.session.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: map[string]any{}})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, content := range res.Content {
		if t, ok := content.(*sdk.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	if res.IsError {
		return b.String(), fmt.Errorf("%s failed: %s", tool, b.String())
	}
	return b.String(), nil
}

// SessionID names this control session, as "ctl-<uuid>".
func (c *Client) SessionID() string { return c.session.ID() }

func (c *Client) Close() error { return c.session.Close() }
