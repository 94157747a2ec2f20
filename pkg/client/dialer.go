package client

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Conn is the minimal connection surface the session needs. The default
// implementation wraps a coder/websocket connection; tests substitute an
// in-memory pipe via [WithDialer].
type Conn interface {
	// Read blocks until the next frame arrives. binary reports whether the
	// frame is PCM16 audio rather than a JSON control frame.
	Read(ctx context.Context) (data []byte, binary bool, err error)

	// Write sends one frame.
	Write(ctx context.Context, data []byte, binary bool) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens a connection to the session endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

// wsConn adapts a coder/websocket connection to [Conn].
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageBinary, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte, binary bool) error {
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return c.conn.Write(ctx, typ, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// defaultDialer dials url over a real WebSocket.
func defaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	// Mic frames are small; the default 32 KiB read limit is plenty for
	// control frames but TTS audio chunks can exceed it.
	conn.SetReadLimit(1 << 20)
	return &wsConn{conn: conn}, nil
}
