package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/parleyvoice/parley/internal/wire"
)

// Inbound is one message received from the browser: either a decoded
// control frame or a binary PCM16 audio chunk.
type Inbound struct {
	// Binary is true for audio chunks; Audio holds the PCM16 bytes.
	Binary bool
	Audio  []byte

	// Frame is the decoded control frame when Binary is false.
	Frame wire.Frame
}

// Transport is the session's view of the browser connection. Implementations
// must serialize writes; control frames and audio chunks may be written from
// different goroutines but arrive on the wire in call order per goroutine.
type Transport interface {
	// Read blocks until the next message arrives. Unknown control tags are
	// dropped inside Read; callers only see known frames and audio. Returns
	// an error when the connection is gone.
	Read(ctx context.Context) (Inbound, error)

	// WriteFrame sends one JSON control frame.
	WriteFrame(ctx context.Context, f wire.Frame) error

	// WriteAudio sends one binary PCM16 chunk.
	WriteAudio(ctx context.Context, chunk []byte) error

	// Close closes the connection with a status code and reason.
	Close(code int, reason string) error
}

// wsTransport adapts a coder/websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn

	// writeMu serializes writes; coder/websocket allows one concurrent
	// writer per message type only.
	writeMu sync.Mutex
}

// NewWebSocketTransport wraps an accepted browser WebSocket.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) (Inbound, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return Inbound{}, fmt.Errorf("session: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			return Inbound{Binary: true, Audio: data}, nil
		}
		frame, ok := wire.Decode(data)
		if !ok {
			// Unknown or malformed control frames are dropped, never fatal.
			continue
		}
		return Inbound{Frame: frame}, nil
	}
}

func (t *wsTransport) WriteFrame(ctx context.Context, f wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, f.Encode()); err != nil {
		return fmt.Errorf("session: write frame: %w", err)
	}
	return nil
}

func (t *wsTransport) WriteAudio(ctx context.Context, chunk []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("session: write audio: %w", err)
	}
	return nil
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}
