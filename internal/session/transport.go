package session

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one established push-channel connection carrying text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens push-channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
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

// Close tears the connection down without waiting for the peer's close frame; a dead peer
// would otherwise stall reconnection.
func (w *wsConn) Close() error {
	return w.c.CloseNow()
}

var _ Dialer = WebsocketDialer{}
