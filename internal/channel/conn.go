package channel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one established transport connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a transport connection authenticated with authToken.
// Implementations return an error wrapping ErrAuthRejected when the server
// refuses the token.
type Dialer interface {
	Dial(ctx context.Context, authToken string) (Conn, error)
}

// WebsocketDialer dials the portal channel endpoint. The bearer token is
// sent in the upgrade request header, never in a frame.
type WebsocketDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, authToken string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+authToken)

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client closing")
}
