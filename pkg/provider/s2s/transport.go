package s2s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one open duplex connection to a provider.
type Transport interface {
	// Read blocks for the next inbound message. It returns io.EOF when the
	// remote side closed the connection normally.
	Read(ctx context.Context) (MessageType, []byte, error)

	// Write sends one message.
	Write(ctx context.Context, typ MessageType, data []byte) error

	// Ping performs a keepalive round trip.
	Ping(ctx context.Context) error

	// Close closes the connection with a normal closure status.
	Close() error
}

// Dialer opens transports. Tests substitute a recording double.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// DefaultReadLimit is the largest inbound message a [WebSocketDialer]
// connection accepts when ReadLimit is zero. Provider audio deltas routinely
// exceed the library default of 32 KiB.
const DefaultReadLimit = 16 << 20

// WebSocketDialer dials provider endpoints with github.com/coder/websocket.
type WebSocketDialer struct {
	// HTTPClient is used for the upgrade request. Nil selects http.DefaultClient.
	HTTPClient *http.Client

	// ReadLimit caps the size of one inbound message. Default: [DefaultReadLimit].
	ReadLimit int64
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return NewWebSocketTransport(conn), nil
}

// WebSocketTransport adapts a *websocket.Conn to [Transport].
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Read implements [Transport].
func (t *WebSocketTransport) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return MessageBinary, data, nil
	}
	return MessageText, data, nil
}

// Write implements [Transport].
func (t *WebSocketTransport) Write(ctx context.Context, typ MessageType, data []byte) error {
	wt := websocket.MessageText
	if typ == MessageBinary {
		wt = websocket.MessageBinary
	}
	return t.conn.Write(ctx, wt, data)
}

// Ping implements [Transport].
func (t *WebSocketTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

// Close implements [Transport].
func (t *WebSocketTransport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "session closed")
	var ce websocket.CloseError
	if err == nil || errors.As(err, &ce) {
		return nil
	}
	return fmt.Errorf("s2s: close: %w", err)
}
